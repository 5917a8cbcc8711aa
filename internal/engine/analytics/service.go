package analytics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pricedeck/internal/pkg/logger"
)

const (
	DefaultSummaryHours = 24
	MaxSummaryHours     = 168
)

// Service records webhook delivery counters and summarizes them.
type Service struct {
	repo    *Repository
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewService(repo *Repository) *Service {
	return &Service{
		repo:    repo,
		timeout: 2 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.Component("analytics"),
	}
}

// RecordDelivery counts one attempt. Failures are logged and swallowed so
// an unavailable Redis never affects deliveries.
func (s *Service) RecordDelivery(ctx context.Context, ownerID, webhookID, eventType string, success bool, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.Increment(ctx, ownerID, webhookID, eventType, success, at); err != nil {
		s.log.Warn().Err(err).Str("webhook_id", webhookID).Msg("Failed to record delivery analytics")
	}
}

type HourlyPoint struct {
	Hour time.Time `json:"hour"`
	Counts
}

type Summary struct {
	WebhookID   string            `json:"webhook_id"`
	Hours       int               `json:"hours"`
	Totals      Counts            `json:"totals"`
	SuccessRate float64           `json:"success_rate"`
	ByEventType map[string]Counts `json:"by_event_type"`
	Hourly      []HourlyPoint     `json:"hourly"`
}

// Summary aggregates the last hours of deliveries, including the current
// partial hour. hours is clamped to [1, MaxSummaryHours].
func (s *Service) Summary(ctx context.Context, ownerID, webhookID string, hours int) (*Summary, error) {
	if hours <= 0 {
		hours = DefaultSummaryHours
	}
	if hours > MaxSummaryHours {
		hours = MaxSummaryHours
	}

	to := s.now()
	from := to.Add(-time.Duration(hours-1) * time.Hour)
	buckets, err := s.repo.Buckets(ctx, ownerID, webhookID, from, to)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		WebhookID:   webhookID,
		Hours:       hours,
		ByEventType: make(map[string]Counts),
		Hourly:      make([]HourlyPoint, 0, len(buckets)),
	}
	for _, b := range buckets {
		point := HourlyPoint{Hour: b.Hour}
		for eventType, c := range b.Counts {
			point.add(c)
			total := sum.ByEventType[eventType]
			total.add(c)
			sum.ByEventType[eventType] = total
		}
		sum.Totals.add(point.Counts)
		sum.Hourly = append(sum.Hourly, point)
	}

	if n := sum.Totals.Succeeded + sum.Totals.Failed; n > 0 {
		sum.SuccessRate = float64(sum.Totals.Succeeded) / float64(n)
	}
	return sum, nil
}

// Forget removes the counters of a deleted webhook.
func (s *Service) Forget(ctx context.Context, ownerID, webhookID string) error {
	to := s.now()
	return s.repo.DeleteWebhook(ctx, ownerID, webhookID, to.Add(-s.repo.retention), to)
}
