package models

import (
	"encoding/json"
	"sort"
	"time"
)

// WildcardEvent subscribes a webhook to every event type.
const WildcardEvent = "*"

type Webhook struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	URL            string            `json:"url"`
	Secret         string            `json:"-"`
	Events         EventFilter       `json:"events"`
	Active         bool              `json:"active"`
	Headers        map[string]string `json:"headers,omitempty"`
	RetryOnFailure bool              `json:"retry_on_failure"`
	Stats          DeliveryStats     `json:"delivery_stats"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (w *Webhook) Clone() *Webhook {
	c := *w
	c.Events = w.Events.Clone()
	if w.Headers != nil {
		c.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			c.Headers[k] = v
		}
	}
	c.Stats = w.Stats.Clone()
	return &c
}

// Redacted returns a copy with the secret cleared.
func (w *Webhook) Redacted() *Webhook {
	c := w.Clone()
	c.Secret = ""
	return c
}

type DeliveryStats struct {
	Sent         int64          `json:"sent"`
	Succeeded    int64          `json:"succeeded"`
	Failed       int64          `json:"failed"`
	LastDelivery *time.Time     `json:"last_delivery,omitempty"`
	LastError    *DeliveryError `json:"last_error,omitempty"`
}

func (s DeliveryStats) Clone() DeliveryStats {
	c := s
	if s.LastDelivery != nil {
		t := *s.LastDelivery
		c.LastDelivery = &t
	}
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	return c
}

type DeliveryError struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// EventFilter is either the wildcard or an explicit set of event type names.
// The zero value matches nothing.
type EventFilter struct {
	All   bool
	Types map[string]struct{}
}

func AllEvents() EventFilter {
	return EventFilter{All: true}
}

// NewEventFilter builds a filter from names; "*" anywhere selects the wildcard.
func NewEventFilter(names ...string) EventFilter {
	f := EventFilter{Types: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n == WildcardEvent {
			return AllEvents()
		}
		f.Types[n] = struct{}{}
	}
	return f
}

func (f EventFilter) Matches(eventType string) bool {
	if f.All {
		return true
	}
	_, ok := f.Types[eventType]
	return ok
}

// Names returns the sorted event names, or ["*"] for the wildcard.
func (f EventFilter) Names() []string {
	if f.All {
		return []string{WildcardEvent}
	}
	names := make([]string, 0, len(f.Types))
	for n := range f.Types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f EventFilter) Clone() EventFilter {
	if f.All || f.Types == nil {
		return EventFilter{All: f.All}
	}
	return NewEventFilter(f.Names()...)
}

func (f EventFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Names())
}

func (f *EventFilter) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	*f = NewEventFilter(names...)
	return nil
}
