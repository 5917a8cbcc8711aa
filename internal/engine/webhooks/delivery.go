package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricedeck/internal/metrics"
	"pricedeck/internal/pkg/logger"
	"pricedeck/internal/platform/models"
)

const (
	HeaderWebhookID = "X-Webhook-Id"
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEventType = "X-Event-Type"
	HeaderTest      = "X-Webhook-Test"
)

// Receivers rarely send meaningful bodies; read a little so the connection
// can be reused.
const maxResponseDrain = 64 << 10

// Outcome describes one delivery attempt.
type Outcome struct {
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Retryable  bool          `json:"retryable"`
	Attempt    int           `json:"attempt"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`

	timedOut bool
}

type StatsWriter interface {
	UpdateStats(ctx context.Context, id string, stats models.DeliveryStats) error
}

type LogSink interface {
	Record(ctx context.Context, entry models.DeliveryLog) error
}

// AnalyticsRecorder receives one call per completed attempt. It must not
// block for long and has no way to fail the delivery.
type AnalyticsRecorder interface {
	RecordDelivery(ctx context.Context, ownerID, webhookID, eventType string, success bool, at time.Time)
	Forget(ctx context.Context, ownerID, webhookID string) error
}

// envelope is an event frozen into the exact bytes every receiver gets.
type envelope struct {
	event *models.Event
	body  []byte
}

func newEnvelope(t EventType, ownerID string, data any, now time.Time) (*envelope, error) {
	ev := &models.Event{
		ID:        "evt_" + uuid.New().String(),
		Type:      string(t),
		Timestamp: now,
		OwnerID:   ownerID,
		Data:      data,
	}
	body, err := Canonicalize(ev)
	if err != nil {
		return nil, err
	}
	ev.Data = nil
	return &envelope{event: ev, body: body}, nil
}

type DelivererConfig struct {
	Client       *http.Client
	Timeout      time.Duration
	ProbeTimeout time.Duration
	Stats        StatsWriter
	Logs         LogSink
	Analytics    AnalyticsRecorder
	Metrics      metrics.Sink
}

// Deliverer performs single HTTP delivery attempts.
type Deliverer struct {
	client       *http.Client
	timeout      time.Duration
	probeTimeout time.Duration
	stats        StatsWriter
	logs         LogSink
	analytics    AnalyticsRecorder
	metrics      metrics.Sink
	now          func() time.Time
	log          zerolog.Logger
}

func NewDeliverer(cfg DelivererConfig) *Deliverer {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopSink()
	}
	return &Deliverer{
		client:       cfg.Client,
		timeout:      cfg.Timeout,
		probeTimeout: cfg.ProbeTimeout,
		stats:        cfg.Stats,
		logs:         cfg.Logs,
		analytics:    cfg.Analytics,
		metrics:      cfg.Metrics,
		now:          func() time.Time { return time.Now().UTC() },
		log:          logger.Component("webhook_delivery"),
	}
}

// Deliver sends env to the registration described by cfg and records the
// result against e. It never returns an error: every failure is folded into
// the Outcome.
func (d *Deliverer) Deliver(ctx context.Context, e *entry, cfg *models.Webhook, env *envelope, attempt int) Outcome {
	sentAt := d.now()

	header := make(http.Header)
	for name, value := range cfg.Headers {
		header.Set(name, value)
	}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderWebhookID, cfg.ID)
	header.Set(HeaderSignature, SignBody(env.body, cfg.Secret))
	header.Set(HeaderTimestamp, strconv.FormatInt(sentAt.UnixMilli(), 10))
	header.Set(HeaderEventType, env.event.Type)

	out := d.send(ctx, cfg.URL, env.body, header, d.timeout)
	out.Attempt = attempt

	at := d.now()
	committed := e.commit(func() {
		stats := e.record(out.Success, out.Error, at)
		if d.stats != nil {
			if err := d.stats.UpdateStats(ctx, cfg.ID, stats); err != nil {
				d.log.Error().Err(err).Str("webhook_id", cfg.ID).Msg("Failed to persist delivery stats")
			}
		}

		d.recordLog(ctx, models.DeliveryLog{
			WebhookID:  cfg.ID,
			OwnerID:    cfg.OwnerID,
			EventID:    env.event.ID,
			EventType:  env.event.Type,
			Attempt:    attempt,
			Success:    out.Success,
			StatusCode: out.StatusCode,
			Error:      out.Error,
			DurationMS: out.DurationMS,
			CreatedAt:  at,
		})
		if d.analytics != nil {
			d.analytics.RecordDelivery(ctx, cfg.OwnerID, cfg.ID, env.event.Type, out.Success, at)
		}
	})
	if !committed {
		d.log.Debug().Str("webhook_id", cfg.ID).Str("event_id", env.event.ID).
			Msg("Webhook deleted while the attempt was in flight, result not recorded")
	}
	d.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(out.StatusCode, out.timedOut), out.Duration)

	ev := d.log.Debug()
	if !out.Success {
		ev = d.log.Info()
	}
	ev.Str("webhook_id", cfg.ID).
		Str("event_id", env.event.ID).
		Str("event_type", env.event.Type).
		Int("attempt", attempt).
		Int("status_code", out.StatusCode).
		Str("error", out.Error).
		Dur("duration", out.Duration).
		Msg("Webhook delivery attempt")

	return out
}

// Probe sends a system.test event signed with secret to url. It touches no
// statistics and emits no log entries.
func (d *Deliverer) Probe(ctx context.Context, url string, headers map[string]string, secret, ownerID string) Outcome {
	out, _ := d.probe(ctx, url, headers, secret, ownerID)
	return out
}

func (d *Deliverer) probe(ctx context.Context, url string, headers map[string]string, secret, ownerID string) (Outcome, *envelope) {
	env, err := newEnvelope(EventSystemTest, ownerID, map[string]any{
		"message": "This is a test delivery from pricedeck",
	}, d.now())
	if err != nil {
		return Outcome{Error: err.Error(), Attempt: 1}, nil
	}

	header := make(http.Header)
	for name, value := range headers {
		header.Set(name, value)
	}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderSignature, SignBody(env.body, secret))
	header.Set(HeaderTimestamp, strconv.FormatInt(d.now().UnixMilli(), 10))
	header.Set(HeaderTest, "true")

	out := d.send(ctx, url, env.body, header, d.probeTimeout)
	out.Attempt = 1
	return out, env
}

func (d *Deliverer) send(ctx context.Context, url string, body []byte, header http.Header, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	finish := func(out Outcome) Outcome {
		out.Duration = time.Since(start)
		out.DurationMS = out.Duration.Milliseconds()
		return out
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return finish(Outcome{Error: err.Error()})
	}
	req.Header = header

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return finish(Outcome{Error: fmt.Sprintf("timeout after %s", timeout), Retryable: true, timedOut: true})
		}
		return finish(Outcome{Error: err.Error(), Retryable: true})
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))
	resp.Body.Close()

	// Anything below 500 is the receiver's answer; only server errors retry.
	if resp.StatusCode >= http.StatusInternalServerError {
		return finish(Outcome{
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("HTTP %d", resp.StatusCode),
			Retryable:  true,
		})
	}
	return finish(Outcome{Success: true, StatusCode: resp.StatusCode})
}

func (d *Deliverer) recordLog(ctx context.Context, entry models.DeliveryLog) {
	if d.logs == nil {
		return
	}
	entry.ID = "log_" + uuid.New().String()
	if err := d.logs.Record(ctx, entry); err != nil {
		d.log.Error().Err(err).Str("webhook_id", entry.WebhookID).Msg("Failed to record delivery log")
	}
}
