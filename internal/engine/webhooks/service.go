package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pricedeck/internal/metrics"
	"pricedeck/internal/pkg/logger"
	"pricedeck/internal/platform/models"
	"pricedeck/internal/workers"
)

// LogStore persists and serves delivery logs.
type LogStore interface {
	LogSink
	Query(ctx context.Context, ownerID, webhookID string, q models.LogQuery) (*models.LogPage, error)
	DeleteForWebhook(ctx context.Context, ownerID, webhookID string) error
}

type Options struct {
	Store     Store
	Logs      LogStore
	Analytics AnalyticsRecorder
	Metrics   metrics.Sink
	Client    *http.Client

	Policy            Policy
	DeliveryTimeout   time.Duration
	ProbeTimeout      time.Duration
	RetryWorkers      int
	MaxPendingRetries int
	FanoutLimit       int
}

// Service owns the registry, the delivery pipeline and the retry pool.
// Construct one with NewService and call Start before use.
type Service struct {
	registry   *Registry
	deliverer  *Deliverer
	retrier    *Retrier
	dispatcher *Dispatcher
	pool       *workers.Pool
	logs       LogStore
	analytics  AnalyticsRecorder
	metrics    metrics.Sink
	log        zerolog.Logger

	cancel context.CancelFunc
}

func NewService(opts Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSink()
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.RetryWorkers <= 0 {
		opts.RetryWorkers = 4
	}
	if opts.MaxPendingRetries <= 0 {
		opts.MaxPendingRetries = 10000
	}

	deliverer := NewDeliverer(DelivererConfig{
		Client:       opts.Client,
		Timeout:      opts.DeliveryTimeout,
		ProbeTimeout: opts.ProbeTimeout,
		Stats:        opts.Store,
		Logs:         opts.Logs,
		Analytics:    opts.Analytics,
		Metrics:      opts.Metrics,
	})
	pool := workers.NewPool(opts.RetryWorkers, opts.MaxPendingRetries)
	registry := NewRegistry(opts.Store, deliverer)
	retrier := NewRetrier(opts.Policy, pool, deliverer, opts.Metrics)

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:   registry,
		deliverer:  deliverer,
		retrier:    retrier,
		dispatcher: NewDispatcher(ctx, registry, deliverer, retrier, opts.Metrics, opts.FanoutLimit),
		pool:       pool,
		logs:       opts.Logs,
		analytics:  opts.Analytics,
		metrics:    opts.Metrics,
		log:        logger.Component("webhooks"),
		cancel:     cancel,
	}
}

// Start loads persisted registrations and starts the retry workers.
func (s *Service) Start(ctx context.Context) error {
	n, err := s.registry.Load(ctx)
	if err != nil {
		return err
	}
	s.pool.Start()
	s.log.Info().Int("webhooks", n).Msg("Webhook service started")
	return nil
}

// Close discards pending retries, then waits for in-flight deliveries until
// ctx expires. Pending retries are not persisted and are lost.
func (s *Service) Close(ctx context.Context) error {
	defer s.cancel()

	discarded, err := s.pool.Stop(ctx)
	s.metrics.PendingRetries(0)
	if discarded > 0 {
		s.log.Warn().Int("discarded", discarded).Msg("Discarded pending webhook retries on shutdown")
	}
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Register(ctx context.Context, ownerID string, in RegisterInput) (*models.Webhook, error) {
	return s.registry.Register(ctx, ownerID, in)
}

func (s *Service) Update(ctx context.Context, ownerID, id string, in UpdateInput) (*models.Webhook, error) {
	return s.registry.Update(ctx, ownerID, id, in)
}

// Delete removes the registration and, best effort, its delivery history
// and analytics.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.registry.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	if s.logs != nil {
		if err := s.logs.DeleteForWebhook(ctx, ownerID, id); err != nil {
			s.log.Warn().Err(err).Str("webhook_id", id).Msg("Failed to remove delivery logs")
		}
	}
	if s.analytics != nil {
		if err := s.analytics.Forget(ctx, ownerID, id); err != nil {
			s.log.Warn().Err(err).Str("webhook_id", id).Msg("Failed to remove delivery analytics")
		}
	}
	return nil
}

func (s *Service) List(ownerID string) []*models.Webhook {
	return s.registry.List(ownerID)
}

func (s *Service) Get(ownerID, id string) (*models.Webhook, error) {
	return s.registry.Get(ownerID, id)
}

// Test probes a registered webhook. The attempt is logged as a test and
// leaves the delivery statistics alone.
func (s *Service) Test(ctx context.Context, ownerID, id string) (Outcome, error) {
	e, ok := s.registry.lookup(ownerID, id)
	if !ok {
		return Outcome{}, ErrNotFound
	}
	cfg, ok := e.current()
	if !ok {
		return Outcome{}, ErrNotFound
	}

	out, env := s.deliverer.probe(ctx, cfg.URL, cfg.Headers, cfg.Secret, ownerID)
	if env == nil {
		return out, nil
	}
	e.commit(func() {
		s.deliverer.recordLog(ctx, models.DeliveryLog{
			WebhookID:  cfg.ID,
			OwnerID:    ownerID,
			EventID:    env.event.ID,
			EventType:  env.event.Type,
			Attempt:    out.Attempt,
			Success:    out.Success,
			StatusCode: out.StatusCode,
			Error:      out.Error,
			DurationMS: out.DurationMS,
			Test:       true,
			CreatedAt:  s.deliverer.now(),
		})
	})
	return out, nil
}

// Trigger is the producer entry point. It never fails and never blocks on
// network I/O.
func (s *Service) Trigger(eventType, ownerID string, data any) {
	s.dispatcher.Trigger(eventType, ownerID, data)
}

func (s *Service) TriggerChecked(eventType, ownerID string, data any) (*models.Event, error) {
	return s.dispatcher.TriggerChecked(eventType, ownerID, data)
}

func (s *Service) Catalog() map[string]string {
	return Catalog()
}

// Logs returns a page of delivery logs for one of the owner's webhooks.
func (s *Service) Logs(ctx context.Context, ownerID, id string, q models.LogQuery) (*models.LogPage, error) {
	if _, err := s.registry.Get(ownerID, id); err != nil {
		return nil, err
	}
	if s.logs == nil {
		return nil, errors.New("delivery logs are not configured")
	}
	return s.logs.Query(ctx, ownerID, id, q)
}

func (s *Service) PendingRetries() int {
	return s.pool.Pending()
}

// Wait blocks until initial attempts for every event triggered so far have
// finished.
func (s *Service) Wait() {
	s.dispatcher.Wait()
}
