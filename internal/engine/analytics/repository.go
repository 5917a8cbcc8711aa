package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldSucceeded = "ok"
	fieldFailed    = "fail"
)

type Counts struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

func (c *Counts) add(o Counts) {
	c.Succeeded += o.Succeeded
	c.Failed += o.Failed
}

// HourlyBucket holds per event type counts for one UTC hour.
type HourlyBucket struct {
	Hour   time.Time
	Counts map[string]Counts
}

// Repository stores delivery counters in hourly Redis hashes. Each hash
// field is "<event type>:ok" or "<event type>:fail".
type Repository struct {
	client    *redis.Client
	retention time.Duration
}

func NewRepository(client *redis.Client, retention time.Duration) *Repository {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Repository{client: client, retention: retention}
}

func (r *Repository) Increment(ctx context.Context, ownerID, webhookID, eventType string, success bool, at time.Time) error {
	key := buildKey(ownerID, webhookID, at)
	field := eventType + ":" + fieldFailed
	if success {
		field = eventType + ":" + fieldSucceeded
	}

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Buckets returns every hour from..to inclusive, oldest first. Hours with
// no deliveries come back with empty counts.
func (r *Repository) Buckets(ctx context.Context, ownerID, webhookID string, from, to time.Time) ([]HourlyBucket, error) {
	from = from.UTC().Truncate(time.Hour)
	to = to.UTC().Truncate(time.Hour)

	var hours []time.Time
	for h := from; !h.After(to); h = h.Add(time.Hour) {
		hours = append(hours, h)
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(hours))
	for i, h := range hours {
		cmds[i] = pipe.HGetAll(ctx, buildKey(ownerID, webhookID, h))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	buckets := make([]HourlyBucket, len(hours))
	for i, h := range hours {
		fields, err := cmds[i].Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		buckets[i] = HourlyBucket{Hour: h, Counts: parseFields(fields)}
	}
	return buckets, nil
}

// DeleteWebhook drops the counters of a webhook for the given hours.
func (r *Repository) DeleteWebhook(ctx context.Context, ownerID, webhookID string, from, to time.Time) error {
	var keys []string
	for h := from.UTC().Truncate(time.Hour); !h.After(to); h = h.Add(time.Hour) {
		keys = append(keys, buildKey(ownerID, webhookID, h))
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func parseFields(fields map[string]string) map[string]Counts {
	out := make(map[string]Counts)
	for field, raw := range fields {
		i := strings.LastIndexByte(field, ':')
		if i <= 0 {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		eventType := field[:i]
		c := out[eventType]
		switch field[i+1:] {
		case fieldSucceeded:
			c.Succeeded += n
		case fieldFailed:
			c.Failed += n
		default:
			continue
		}
		out[eventType] = c
	}
	return out
}

func buildKey(ownerID, webhookID string, t time.Time) string {
	return fmt.Sprintf("o:%s:wh:%s:%s", ownerID, webhookID, t.UTC().Format("2006010215"))
}
