package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pricedeck/internal/pkg/logger"
	"pricedeck/internal/pkg/validator"
	"pricedeck/internal/platform/models"
)

// Store persists registrations. Implementations must not modify the
// webhooks passed to them.
type Store interface {
	Create(ctx context.Context, webhook *models.Webhook) error
	Update(ctx context.Context, webhook *models.Webhook) error
	Delete(ctx context.Context, ownerID, id string) error
	List(ctx context.Context) ([]*models.Webhook, error)
	UpdateStats(ctx context.Context, id string, stats models.DeliveryStats) error
}

// Prober sends a signed test request to a URL that is not yet registered.
type Prober interface {
	Probe(ctx context.Context, url string, headers map[string]string, secret, ownerID string) Outcome
}

var reservedHeaders = map[string]struct{}{
	"Content-Type":        {},
	"X-Webhook-Id":        {},
	"X-Webhook-Signature": {},
	"X-Webhook-Timestamp": {},
	"X-Event-Type":        {},
	"X-Webhook-Test":      {},
}

type RegisterInput struct {
	URL            string            `json:"url"`
	Events         []string          `json:"events,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	RetryOnFailure *bool             `json:"retry_on_failure,omitempty"`
	TestOnRegister *bool             `json:"test_on_register,omitempty"`
}

// UpdateInput holds the fields to change. Nil fields are left alone; an
// empty non-nil Headers map clears the custom headers.
type UpdateInput struct {
	URL            *string           `json:"url,omitempty"`
	Events         []string          `json:"events,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Active         *bool             `json:"active,omitempty"`
	RetryOnFailure *bool             `json:"retry_on_failure,omitempty"`
}

// entry is the registry's handle on one registration.
//
// mu guards config and closed and is only held for pointer reads and
// swaps, never across I/O. config is never mutated in place; updates swap
// in a new copy so readers holding the old pointer see a complete value.
// Once closed is set no new attempt may start.
//
// writeMu serializes Update and Delete, including their store calls.
// commitMu serializes the bookkeeping of finished attempts. Delete takes it
// before closing the entry, so nothing is recorded for the webhook after
// Delete returns.
//
// Lock order: writeMu, commitMu, mu, statsMu.
type entry struct {
	writeMu  sync.Mutex
	commitMu sync.Mutex

	mu     sync.Mutex
	config *models.Webhook
	closed bool

	statsMu sync.Mutex
	stats   models.DeliveryStats
}

func newEntry(w *models.Webhook) *entry {
	cfg := w.Clone()
	stats := cfg.Stats
	cfg.Stats = models.DeliveryStats{}
	return &entry{config: cfg, stats: stats}
}

// acquire returns the current config if the registration may receive a
// delivery attempt right now.
func (e *entry) acquire() (*models.Webhook, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.config.Active {
		return nil, false
	}
	return e.config, true
}

func (e *entry) current() (*models.Webhook, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config, !e.closed
}

func (e *entry) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *entry) snapshot() *models.Webhook {
	e.mu.Lock()
	w := e.config.Clone()
	e.mu.Unlock()

	w.Stats = e.statsSnapshot()
	return w
}

func (e *entry) statsSnapshot() models.DeliveryStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats.Clone()
}

// commit runs fn under commitMu unless the entry has been deleted and
// reports whether it ran. Stores written from fn therefore see the results
// of one webhook's attempts in the order they were counted.
func (e *entry) commit(fn func()) bool {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if e.isClosed() {
		return false
	}
	fn()
	return true
}

// record counts one completed attempt. Sent and exactly one of Succeeded or
// Failed move together so readers never see them disagree.
func (e *entry) record(success bool, errMsg string, at time.Time) models.DeliveryStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.Sent++
	if success {
		e.stats.Succeeded++
		t := at
		e.stats.LastDelivery = &t
	} else {
		e.stats.Failed++
		e.stats.LastError = &models.DeliveryError{Message: errMsg, At: at}
	}
	return e.stats.Clone()
}

// Registry indexes registrations by owner, then id.
type Registry struct {
	mu     sync.RWMutex
	owners map[string]map[string]*entry

	store  Store
	prober Prober
	now    func() time.Time
	log    zerolog.Logger
}

func NewRegistry(store Store, prober Prober) *Registry {
	return &Registry{
		owners: make(map[string]map[string]*entry),
		store:  store,
		prober: prober,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.Component("webhook_registry"),
	}
}

// Load replaces the index with every registration held by the store.
func (r *Registry) Load(ctx context.Context) (int, error) {
	webhooks, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("load webhooks: %w", err)
	}

	owners := make(map[string]map[string]*entry)
	for _, w := range webhooks {
		if owners[w.OwnerID] == nil {
			owners[w.OwnerID] = make(map[string]*entry)
		}
		owners[w.OwnerID][w.ID] = newEntry(w)
	}

	r.mu.Lock()
	r.owners = owners
	r.mu.Unlock()
	return len(webhooks), nil
}

// Register validates the input, optionally probes the endpoint and commits
// the registration. The returned webhook is the only copy that carries the
// secret.
func (r *Registry) Register(ctx context.Context, ownerID string, in RegisterInput) (*models.Webhook, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", nil, "owner id is required")
	}
	url := strings.TrimSpace(in.URL)
	if err := validateURL(url); err != nil {
		return nil, err
	}
	filter, err := parseFilter(in.Events)
	if err != nil {
		return nil, err
	}
	headers, err := validateHeaders(in.Headers)
	if err != nil {
		return nil, err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	if in.TestOnRegister == nil || *in.TestOnRegister {
		outcome := r.prober.Probe(ctx, url, headers, secret, ownerID)
		if !outcome.Success {
			r.log.Info().Str("owner_id", ownerID).Str("url", url).
				Int("status_code", outcome.StatusCode).Str("error", outcome.Error).
				Msg("Registration probe failed")
			return nil, &RegistrationTestError{Outcome: outcome}
		}
	}

	now := r.now()
	w := &models.Webhook{
		ID:             "wh_" + uuid.New().String(),
		OwnerID:        ownerID,
		URL:            url,
		Secret:         secret,
		Events:         filter,
		Active:         true,
		Headers:        headers,
		RetryOnFailure: in.RetryOnFailure == nil || *in.RetryOnFailure,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	r.mu.Lock()
	if r.owners[ownerID] == nil {
		r.owners[ownerID] = make(map[string]*entry)
	}
	r.owners[ownerID][w.ID] = newEntry(w)
	r.mu.Unlock()

	r.log.Info().Str("owner_id", ownerID).Str("webhook_id", w.ID).
		Strs("events", filter.Names()).Msg("Webhook registered")
	return w.Clone(), nil
}

// Update applies in to the registration and persists it. The secret and
// statistics are never changed here.
func (r *Registry) Update(ctx context.Context, ownerID, id string, in UpdateInput) (*models.Webhook, error) {
	e, ok := r.lookup(ownerID, id)
	if !ok {
		return nil, ErrNotFound
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur, ok := e.current()
	if !ok {
		return nil, ErrNotFound
	}

	next := cur.Clone()
	if in.URL != nil {
		url := strings.TrimSpace(*in.URL)
		if err := validateURL(url); err != nil {
			return nil, err
		}
		next.URL = url
	}
	if in.Events != nil {
		if len(in.Events) == 0 {
			return nil, invalid("events", ErrUnknownEventType, "at least one event type is required")
		}
		filter, err := parseFilter(in.Events)
		if err != nil {
			return nil, err
		}
		next.Events = filter
	}
	if in.Headers != nil {
		headers, err := validateHeaders(in.Headers)
		if err != nil {
			return nil, err
		}
		next.Headers = headers
	}
	if in.Active != nil {
		next.Active = *in.Active
	}
	if in.RetryOnFailure != nil {
		next.RetryOnFailure = *in.RetryOnFailure
	}
	next.UpdatedAt = r.now()

	if err := r.store.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	e.mu.Lock()
	e.config = next
	e.mu.Unlock()

	out := next.Redacted()
	out.Stats = e.statsSnapshot()
	return out, nil
}

// Delete removes the registration. Once it returns, no delivery attempt
// for the webhook can start, including retries that were already scheduled.
// Attempts already on the wire are not interrupted, but their results are
// dropped.
func (r *Registry) Delete(ctx context.Context, ownerID, id string) error {
	e, ok := r.lookup(ownerID, id)
	if !ok {
		return ErrNotFound
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.isClosed() {
		return ErrNotFound
	}
	if err := r.store.Delete(ctx, ownerID, id); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	// Wait out any attempt that is still recording its result.
	e.commitMu.Lock()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.commitMu.Unlock()

	r.mu.Lock()
	if owned := r.owners[ownerID]; owned != nil && owned[id] == e {
		delete(owned, id)
		if len(owned) == 0 {
			delete(r.owners, ownerID)
		}
	}
	r.mu.Unlock()

	r.log.Info().Str("owner_id", ownerID).Str("webhook_id", id).Msg("Webhook deleted")
	return nil
}

func (r *Registry) Get(ownerID, id string) (*models.Webhook, error) {
	e, ok := r.lookup(ownerID, id)
	if !ok || e.isClosed() {
		return nil, ErrNotFound
	}
	w := e.snapshot()
	w.Secret = ""
	return w, nil
}

// List returns the owner's registrations, oldest first, without secrets.
func (r *Registry) List(ownerID string) []*models.Webhook {
	entries := r.entries(ownerID)
	out := make([]*models.Webhook, 0, len(entries))
	for _, e := range entries {
		if e.isClosed() {
			continue
		}
		w := e.snapshot()
		w.Secret = ""
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FindMatching returns redacted snapshots of the owner's active
// registrations subscribed to eventType.
func (r *Registry) FindMatching(ownerID string, eventType EventType) []*models.Webhook {
	matches := r.matching(ownerID, eventType)
	out := make([]*models.Webhook, 0, len(matches))
	for _, e := range matches {
		w := e.snapshot()
		w.Secret = ""
		out = append(out, w)
	}
	return out
}

func (r *Registry) matching(ownerID string, eventType EventType) []*entry {
	var out []*entry
	for _, e := range r.entries(ownerID) {
		cfg, ok := e.acquire()
		if ok && cfg.Events.Matches(string(eventType)) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) entries(ownerID string) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owned := r.owners[ownerID]
	out := make([]*entry, 0, len(owned))
	for _, e := range owned {
		out = append(out, e)
	}
	return out
}

func (r *Registry) lookup(ownerID, id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.owners[ownerID][id]
	return e, ok
}

func validateURL(url string) error {
	if err := validator.WebhookURL(url); err != nil {
		return invalid("url", ErrInvalidURL, "%v", err)
	}
	return nil
}

// parseFilter turns event names into a filter. No names means every event.
func parseFilter(names []string) (models.EventFilter, error) {
	if len(names) == 0 {
		return models.AllEvents(), nil
	}
	for _, n := range names {
		if n == models.WildcardEvent {
			return models.AllEvents(), nil
		}
	}
	for _, n := range names {
		if _, err := ParseEventType(n); err != nil {
			return models.EventFilter{}, invalid("events", err, "unknown event type %q", n)
		}
	}
	return models.NewEventFilter(names...), nil
}

func validateHeaders(headers map[string]string) (map[string]string, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, invalid("headers", nil, "header name is required")
		}
		if _, reserved := reservedHeaders[http.CanonicalHeaderKey(name)]; reserved {
			return nil, invalid("headers", ErrReservedHeader, "%s cannot be overridden", http.CanonicalHeaderKey(name))
		}
		out[name] = value
	}
	return out, nil
}
