package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricedeck/internal/metrics"
	"pricedeck/internal/pkg/logger"
	"pricedeck/internal/platform/models"
)

// Dispatcher fans events out to matching registrations.
type Dispatcher struct {
	ctx       context.Context
	registry  *Registry
	deliverer *Deliverer
	retrier   *Retrier
	metrics   metrics.Sink
	limit     int
	now       func() time.Time
	log       zerolog.Logger

	wg sync.WaitGroup
}

// NewDispatcher returns a dispatcher whose deliveries run under ctx.
// limit caps concurrent initial attempts per event; zero means no cap.
func NewDispatcher(ctx context.Context, registry *Registry, deliverer *Deliverer, retrier *Retrier, sink metrics.Sink, limit int) *Dispatcher {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Dispatcher{
		ctx:       ctx,
		registry:  registry,
		deliverer: deliverer,
		retrier:   retrier,
		metrics:   sink,
		limit:     limit,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Component("webhook_dispatcher"),
	}
}

// Trigger delivers an event to every matching webhook of ownerID in the
// background. Unknown event types are logged and ignored.
func (d *Dispatcher) Trigger(eventType, ownerID string, data any) {
	if _, err := d.TriggerChecked(eventType, ownerID, data); err != nil {
		d.log.Warn().Err(err).
			Str("event_type", eventType).
			Str("owner_id", ownerID).
			Msg("Event not dispatched")
	}
}

// TriggerChecked is Trigger for callers that want validation errors back.
// It returns once the fan-out has started.
func (d *Dispatcher) TriggerChecked(eventType, ownerID string, data any) (*models.Event, error) {
	t, err := ParseEventType(eventType)
	if err != nil {
		return nil, invalid("type", err, "unknown event type %q", eventType)
	}
	if ownerID == "" {
		return nil, invalid("owner_id", nil, "owner id is required")
	}

	env, err := newEnvelope(t, ownerID, data, d.now())
	if err != nil {
		return nil, invalid("data", err, "payload is not JSON serializable")
	}

	matches := d.registry.matching(ownerID, t)
	d.metrics.EventTriggered(eventType, len(matches))
	event := *env.event
	if len(matches) == 0 {
		d.log.Debug().Str("event_id", event.ID).Str("event_type", eventType).Msg("No webhooks subscribed")
		return &event, nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		var g errgroup.Group
		if d.limit > 0 {
			g.SetLimit(d.limit)
		}
		for _, e := range matches {
			e := e
			g.Go(func() error {
				d.deliver(e, env)
				return nil
			})
		}
		g.Wait()
	}()

	d.log.Debug().
		Str("event_id", event.ID).
		Str("event_type", eventType).
		Int("webhooks", len(matches)).
		Msg("Event dispatched")
	return &event, nil
}

func (d *Dispatcher) deliver(e *entry, env *envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("event_id", env.event.ID).Msg("Recovered in webhook delivery")
		}
	}()

	cfg, ok := e.acquire()
	if !ok {
		return
	}
	out := d.deliverer.Deliver(d.ctx, e, cfg, env, 1)
	d.retrier.Handle(e, cfg.RetryOnFailure, env, out)
}

// Wait blocks until every initial attempt started so far has finished.
// Scheduled retries are not waited for.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
