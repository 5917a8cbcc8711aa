package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pricedeck/internal/platform/models"
)

type memStore struct {
	mu          sync.Mutex
	webhooks    map[string]*models.Webhook
	statsWrites map[string]int
	logs        []models.DeliveryLog
	deleteErr   error

	// When writeGate is set, Update and Delete signal writeEntered and then
	// wait for writeGate to be closed.
	writeGate    chan struct{}
	writeEntered chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		webhooks:    make(map[string]*models.Webhook),
		statsWrites: make(map[string]int),
	}
}

func (m *memStore) Create(ctx context.Context, w *models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[w.ID] = w.Clone()
	return nil
}

func (m *memStore) blockWrites() (entered chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeGate = make(chan struct{})
	m.writeEntered = make(chan struct{}, 1)
	gate := m.writeGate
	return m.writeEntered, func() { close(gate) }
}

func (m *memStore) waitForGate() {
	m.mu.Lock()
	gate, entered := m.writeGate, m.writeEntered
	m.mu.Unlock()
	if gate == nil {
		return
	}
	select {
	case entered <- struct{}{}:
	default:
	}
	<-gate
}

func (m *memStore) Update(ctx context.Context, w *models.Webhook) error {
	m.waitForGate()
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.webhooks[w.ID]
	if !ok {
		return ErrNotFound
	}
	c := w.Clone()
	c.Secret = old.Secret
	c.Stats = old.Stats
	m.webhooks[w.ID] = c
	return nil
}

func (m *memStore) Delete(ctx context.Context, ownerID, id string) error {
	m.waitForGate()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if w, ok := m.webhooks[id]; !ok || w.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

func (m *memStore) List(ctx context.Context) ([]*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, w.Clone())
	}
	return out, nil
}

func (m *memStore) UpdateStats(ctx context.Context, id string, stats models.DeliveryStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsWrites[id]++
	if w, ok := m.webhooks[id]; ok {
		w.Stats = stats.Clone()
	}
	return nil
}

func (m *memStore) Record(ctx context.Context, entry models.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memStore) Query(ctx context.Context, ownerID, webhookID string, q models.LogQuery) (*models.LogPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := &models.LogPage{Logs: []models.DeliveryLog{}}
	for _, l := range m.logs {
		if l.OwnerID == ownerID && l.WebhookID == webhookID {
			page.Logs = append(page.Logs, l)
		}
	}
	page.Total = len(page.Logs)
	return page, nil
}

func (m *memStore) DeleteForWebhook(ctx context.Context, ownerID, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	for _, l := range m.logs {
		if l.WebhookID != webhookID {
			kept = append(kept, l)
		}
	}
	m.logs = kept
	return nil
}

func (m *memStore) statsWriteCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsWrites[id]
}

func (m *memStore) logsFor(id string) []models.DeliveryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeliveryLog
	for _, l := range m.logs {
		if l.WebhookID == id {
			out = append(out, l)
		}
	}
	return out
}

func (m *memStore) stored(id string) (*models.Webhook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

var errStoreDown = errors.New("store unavailable")

type received struct {
	header http.Header
	body   []byte
	at     time.Time
}

// receiver is an httptest endpoint that records every request.
type receiver struct {
	*httptest.Server

	mu     sync.Mutex
	status int
	reqs   []received
	hold   chan struct{}
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	rc := &receiver{status: status}
	rc.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.reqs = append(rc.reqs, received{header: r.Header.Clone(), body: body, at: time.Now()})
		status, hold := rc.status, rc.hold
		rc.mu.Unlock()
		if hold != nil {
			<-hold
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(rc.Close)
	return rc
}

func (rc *receiver) setStatus(status int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.status = status
}

func (rc *receiver) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.reqs)
}

func (rc *receiver) requests() []received {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]received(nil), rc.reqs...)
}

// deadURL returns a URL nothing listens on.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 40 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
}

func newTestService(t *testing.T, store *memStore, policy Policy) *Service {
	t.Helper()
	svc := NewService(Options{
		Store:           store,
		Logs:            store,
		Policy:          policy,
		DeliveryTimeout: time.Second,
		ProbeTimeout:    time.Second,
		RetryWorkers:    2,
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return svc
}

func boolPtr(b bool) *bool { return &b }

func register(t *testing.T, svc *Service, owner, url string, events ...string) *models.Webhook {
	t.Helper()
	w, err := svc.Register(context.Background(), owner, RegisterInput{
		URL:            url,
		Events:         events,
		TestOnRegister: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return w
}
