package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventTriggered(eventType string, matched int)                              {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryScheduled(attempt int)                                                {}
func (n *NoopSink) RetryDropped(reason string)                                                {}
func (n *NoopSink) PendingRetries(count int)                                                  {}

var _ Sink = (*NoopSink)(nil)
