package models

import "time"

// Event is built once per trigger and never persisted.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	OwnerID   string    `json:"userId"`
	Data      any       `json:"data"`
}

// DeliveryLog records the outcome of one delivery attempt.
type DeliveryLog struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	OwnerID    string    `json:"owner_id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Attempt    int       `json:"attempt"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Test       bool      `json:"test"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	LogStatusSuccess = "success"
	LogStatusFailed  = "failed"
)

type LogQuery struct {
	Limit     int
	Offset    int
	EventType string
	Status    string
}

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 200
)

// Normalize clamps limit and offset into their allowed ranges.
func (q LogQuery) Normalize() LogQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultLogLimit
	}
	if q.Limit > MaxLogLimit {
		q.Limit = MaxLogLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

type LogPage struct {
	Logs   []DeliveryLog `json:"logs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}
