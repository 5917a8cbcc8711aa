package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	eventsTotal           *prometheus.CounterVec
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram
	retriesScheduledTotal *prometheus.CounterVec
	retriesDroppedTotal   *prometheus.CounterVec
	pendingRetries        prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricedeck_webhook_events_total",
			Help: "Total number of events triggered, by type and whether any webhook matched.",
		}, []string{"event_type", "matched"}),
		deliveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricedeck_webhook_delivery_attempts_total",
			Help: "Total number of webhook delivery attempts.",
		}, []string{"attempt", "status_class"}),
		deliveryOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricedeck_webhook_delivery_outcomes_total",
			Help: "Final outcome per webhook and event.",
		}, []string{"outcome"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricedeck_webhook_delivery_duration_seconds",
			Help:    "Webhook request latency in seconds (excludes backoff wait).",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		retriesScheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricedeck_webhook_retries_scheduled_total",
			Help: "Total number of retries scheduled, by the attempt they will run as.",
		}, []string{"attempt"}),
		retriesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricedeck_webhook_retries_dropped_total",
			Help: "Total number of retries that never ran.",
		}, []string{"reason"}),
		pendingRetries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricedeck_webhook_pending_retries",
			Help: "Retries waiting for their backoff to elapse or for a worker.",
		}),
	}

	s.register(reg, s.eventsTotal, "pricedeck_webhook_events_total")
	s.register(reg, s.deliveryAttemptsTotal, "pricedeck_webhook_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "pricedeck_webhook_delivery_outcomes_total")
	s.register(reg, s.deliveryDuration, "pricedeck_webhook_delivery_duration_seconds")
	s.register(reg, s.retriesScheduledTotal, "pricedeck_webhook_retries_scheduled_total")
	s.register(reg, s.retriesDroppedTotal, "pricedeck_webhook_retries_dropped_total")
	s.register(reg, s.pendingRetries, "pricedeck_webhook_pending_retries")
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("metrics: failed to register collector")
	}
}

func (s *PrometheusSink) EventTriggered(eventType string, matched int) {
	s.eventsTotal.WithLabelValues(eventType, strconv.FormatBool(matched > 0)).Inc()
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryScheduled(attempt int) {
	s.retriesScheduledTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (s *PrometheusSink) RetryDropped(reason string) {
	s.retriesDroppedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) PendingRetries(n int) {
	s.pendingRetries.Set(float64(n))
}

var _ Sink = (*PrometheusSink)(nil)
