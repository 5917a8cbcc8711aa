package webhooks

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"pricedeck/internal/metrics"
	"pricedeck/internal/pkg/logger"
	"pricedeck/internal/workers"
)

// Policy bounds how often and how quickly a failed delivery is retried.
// MaxAttempts counts the first attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Delay is the wait between attempt n and attempt n+1:
// min(BaseDelay * Multiplier^(n-1), MaxDelay).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Scheduler runs a task after a delay. workers.Pool satisfies it.
type Scheduler interface {
	Schedule(delay time.Duration, task workers.Task) error
	Pending() int
}

// Retrier decides what happens after an attempt and schedules the next one.
type Retrier struct {
	policy    Policy
	scheduler Scheduler
	deliverer *Deliverer
	metrics   metrics.Sink
	log       zerolog.Logger
}

func NewRetrier(policy Policy, scheduler Scheduler, deliverer *Deliverer, sink metrics.Sink) *Retrier {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Retrier{
		policy:    policy,
		scheduler: scheduler,
		deliverer: deliverer,
		metrics:   sink,
		log:       logger.Component("webhook_retry"),
	}
}

// Handle takes the outcome of an attempt and either finishes the delivery
// or schedules the next attempt.
func (r *Retrier) Handle(e *entry, retryOnFailure bool, env *envelope, out Outcome) {
	if out.Success {
		r.metrics.DeliveryOutcome(metrics.OutcomeSuccess)
		return
	}

	webhookID := r.webhookID(e)
	if !retryOnFailure || !out.Retryable || out.Attempt >= r.policy.MaxAttempts {
		r.metrics.DeliveryOutcome(metrics.OutcomeFailed)
		r.log.Warn().
			Str("webhook_id", webhookID).
			Str("event_id", env.event.ID).
			Str("event_type", env.event.Type).
			Int("attempt", out.Attempt).
			Str("error", out.Error).
			Msg("Webhook delivery failed permanently")
		return
	}

	next := out.Attempt + 1
	delay := r.policy.Delay(out.Attempt)
	err := r.scheduler.Schedule(delay, func(ctx context.Context) {
		r.attempt(ctx, e, env, next)
	})
	if err != nil {
		reason := metrics.DropReasonPoolFull
		if errors.Is(err, workers.ErrPoolClosed) {
			reason = metrics.DropReasonPoolClosed
		}
		r.metrics.RetryDropped(reason)
		r.metrics.DeliveryOutcome(metrics.OutcomeAbandoned)
		r.log.Error().Err(err).
			Str("webhook_id", webhookID).
			Str("event_id", env.event.ID).
			Int("attempt", next).
			Msg("Could not schedule webhook retry")
		return
	}

	r.metrics.RetryScheduled(next)
	r.metrics.PendingRetries(r.scheduler.Pending())
	r.log.Debug().
		Str("webhook_id", webhookID).
		Str("event_id", env.event.ID).
		Int("attempt", next).
		Dur("delay", delay).
		Msg("Webhook retry scheduled")
}

// attempt re-checks the delete barrier before delivering. A registration
// that was deleted or deactivated since the last attempt gets nothing.
func (r *Retrier) attempt(ctx context.Context, e *entry, env *envelope, n int) {
	r.metrics.PendingRetries(r.scheduler.Pending())

	cfg, ok := e.acquire()
	if !ok {
		r.metrics.RetryDropped(metrics.DropReasonIneligible)
		r.metrics.DeliveryOutcome(metrics.OutcomeAbandoned)
		r.log.Debug().
			Str("event_id", env.event.ID).
			Int("attempt", n).
			Msg("Webhook no longer eligible, retry dropped")
		return
	}

	out := r.deliverer.Deliver(ctx, e, cfg, env, n)
	r.Handle(e, cfg.RetryOnFailure, env, out)
}

func (r *Retrier) webhookID(e *entry) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.ID
}
