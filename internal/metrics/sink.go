package metrics

import "time"

// Sink records webhook delivery metrics. Implementations must be
// non-blocking and must never fail the caller.
type Sink interface {
	EventTriggered(eventType string, matched int)
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryScheduled(attempt int)
	RetryDropped(reason string)
	PendingRetries(n int)
}

// Status classes keep label cardinality bounded.
const (
	StatusClass2xx             = "2xx"
	StatusClass3xx             = "3xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
)

// Final outcomes of one (webhook, event) delivery.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Reasons a retry never ran.
const (
	DropReasonPoolFull   = "pool_full"
	DropReasonPoolClosed = "pool_closed"
	DropReasonIneligible = "ineligible"
)

// ClassifyStatus maps a response status or transport failure to a status class.
func ClassifyStatus(statusCode int, timedOut bool) string {
	switch {
	case timedOut:
		return StatusClassTimeout
	case statusCode == 0:
		return StatusClassConnectionError
	case statusCode < 300:
		return StatusClass2xx
	case statusCode < 400:
		return StatusClass3xx
	case statusCode < 500:
		return StatusClass4xx
	default:
		return StatusClass5xx
	}
}
