package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricedeck/internal/api/handlers"
	"pricedeck/internal/api/middleware"
	"pricedeck/internal/engine/analytics"
	"pricedeck/internal/engine/webhooks"
	"pricedeck/internal/metrics"
	"pricedeck/internal/platform/audit"
	"pricedeck/internal/platform/auth"
	"pricedeck/internal/platform/config"
	"pricedeck/internal/platform/repositories"
	"pricedeck/migrations"
)

type testEnv struct {
	router http.Handler
	svc    *webhooks.Service
	audit  *audit.Logger
	tokens *auth.TokenService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, migrations.Apply(db, nil))
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	analyticsSvc := analytics.NewService(analytics.NewRepository(rdb, time.Hour))

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg)

	svc := webhooks.NewService(webhooks.Options{
		Store:     repositories.NewWebhookRepository(db),
		Logs:      repositories.NewDeliveryLogRepository(db),
		Analytics: analyticsSvc,
		Metrics:   sink,
		Policy:    webhooks.Policy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second},
	})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
	})

	auditLog := audit.NewLogger(db)
	t.Cleanup(auditLog.Wait)
	tokens := auth.NewTokenService(config.JWTConfig{Secret: "test-secret", Issuer: "pricedeck"})

	router := NewRouter(&Dependencies{
		WebhookHandler:   handlers.NewWebhookHandler(svc, auditLog),
		EventHandler:     handlers.NewEventHandler(svc, auditLog),
		AnalyticsHandler: handlers.NewAnalyticsHandler(svc, analyticsSvc),
		AuditHandler:     handlers.NewAuditHandler(auditLog),
		HealthHandler:    handlers.NewHealthHandler(db, rdb, svc),
		MetricsHandler:   handlers.NewMetricsHandler(reg),
		AuthMiddleware:   middleware.NewAuthMiddleware(tokens),
		RateLimiter: middleware.NewRateLimiter(config.RateLimitConfig{
			APIReadPerMinute: 1000, APIWritePerMinute: 1000, TriggerPerMinute: 1000,
		}),
	})

	return &testEnv{router: router, svc: svc, audit: auditLog, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, owner, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		token, err := e.tokens.GenerateAccessToken(owner, "", "member", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func newCountingReceiver(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRouter_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "", http.MethodGet, "/api/v1/webhooks", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, rr)["code"])
}

func TestRouter_WebhookLifecycle(t *testing.T) {
	env := newTestEnv(t)
	receiver, hits := newCountingReceiver(t, http.StatusOK)

	rr := env.do(t, "user_1", http.MethodPost, "/api/v1/webhooks", map[string]any{
		"url":    receiver.URL,
		"events": []string{"dashboard.created"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode(t, rr)
	id := created["id"].(string)
	assert.True(t, strings.HasPrefix(created["secret"].(string), "whsec_"))
	assert.Equal(t, []any{"dashboard.created"}, created["events"])
	assert.EqualValues(t, 1, hits.Load(), "registration probe")

	rr = env.do(t, "user_1", http.MethodGet, "/api/v1/webhooks/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "whsec_")

	rr = env.do(t, "user_2", http.MethodGet, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, rr)["code"])

	rr = env.do(t, "user_1", http.MethodGet, "/api/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["webhooks"], 1)
	assert.NotContains(t, rr.Body.String(), "whsec_")

	rr = env.do(t, "user_1", http.MethodPatch, "/api/v1/webhooks/"+id, map[string]any{
		"events": []string{"dashboard.created", "widget.updated"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []any{"dashboard.created", "widget.updated"}, decode(t, rr)["events"])

	rr = env.do(t, "user_1", http.MethodPost, "/api/v1/events/trigger", map[string]any{
		"type": "widget.updated",
		"data": map[string]any{"widget_id": "w_1"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.True(t, strings.HasPrefix(decode(t, rr)["event_id"].(string), "evt_"))
	env.svc.Wait()
	assert.EqualValues(t, 2, hits.Load())

	rr = env.do(t, "user_1", http.MethodGet, "/api/v1/webhooks/"+id+"/logs?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode(t, rr)
	assert.EqualValues(t, 1, page["total"])
	assert.EqualValues(t, 10, page["limit"])

	rr = env.do(t, "user_1", http.MethodGet, "/api/v1/webhooks/"+id+"/analytics?hours=2", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	totals := decode(t, rr)["totals"].(map[string]any)
	assert.EqualValues(t, 1, totals["succeeded"])

	rr = env.do(t, "user_1", http.MethodPost, "/api/v1/webhooks/"+id+"/test", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["success"])

	rr = env.do(t, "user_1", http.MethodDelete, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = env.do(t, "user_1", http.MethodGet, "/api/v1/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	env.audit.Wait()
	rr = env.do(t, "user_1", http.MethodGet, "/api/v1/audit", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	actions := map[string]bool{}
	for _, e := range decode(t, rr)["entries"].([]any) {
		actions[e.(map[string]any)["action"].(string)] = true
	}
	for _, want := range []string{audit.ActionWebhookCreated, audit.ActionWebhookUpdated, audit.ActionEventTriggered, audit.ActionWebhookTested, audit.ActionWebhookDeleted} {
		assert.True(t, actions[want], "missing audit action %s", want)
	}
}

func TestRouter_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	failing, _ := newCountingReceiver(t, http.StatusServiceUnavailable)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"invalid url", http.MethodPost, "/api/v1/webhooks", map[string]any{"url": "ftp://x"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown event in filter", http.MethodPost, "/api/v1/webhooks", map[string]any{"url": "https://example.com", "events": []string{"nope"}, "test_on_register": false}, http.StatusBadRequest, "INVALID_INPUT"},
		{"probe failed", http.MethodPost, "/api/v1/webhooks", map[string]any{"url": failing.URL}, http.StatusUnprocessableEntity, "REGISTRATION_TEST_FAILED"},
		{"unknown event trigger", http.MethodPost, "/api/v1/events/trigger", map[string]any{"type": "nope"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"update missing", http.MethodPatch, "/api/v1/webhooks/wh_missing", map[string]any{"active": false}, http.StatusNotFound, "NOT_FOUND"},
		{"delete missing", http.MethodDelete, "/api/v1/webhooks/wh_missing", nil, http.StatusNotFound, "NOT_FOUND"},
		{"test missing", http.MethodPost, "/api/v1/webhooks/wh_missing/test", nil, http.StatusNotFound, "NOT_FOUND"},
		{"logs bad status", http.MethodGet, "/api/v1/webhooks/wh_missing/logs?status=maybe", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"logs bad limit", http.MethodGet, "/api/v1/webhooks/wh_missing/logs?limit=ten", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"analytics bad hours", http.MethodGet, "/api/v1/webhooks/wh_missing/analytics?hours=-1", nil, http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "user_1", tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			assert.Equal(t, tt.wantErr, decode(t, rr)["code"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks", strings.NewReader("{not json"))
	token, _ := env.tokens.GenerateAccessToken("user_1", "", "", time.Hour)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_Catalog(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "user_1", http.MethodGet, "/api/v1/events/catalog", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	types := map[string]string{}
	for _, e := range decode(t, rr)["events"].([]any) {
		entry := e.(map[string]any)
		types[entry["type"].(string)] = entry["description"].(string)
	}
	assert.Len(t, types, len(webhooks.Catalog()))
	assert.NotEmpty(t, types["dashboard.created"])
	assert.NotEmpty(t, types["product.formula_changed"])
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	receiver, _ := newCountingReceiver(t, http.StatusOK)

	rr := env.do(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	health := decode(t, rr)
	assert.Equal(t, "healthy", health["status"])
	checks := health["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["database"])
	assert.Equal(t, "healthy", checks["redis"])

	env.do(t, "user_1", http.MethodPost, "/api/v1/webhooks", map[string]any{"url": receiver.URL, "test_on_register": false})
	env.do(t, "user_1", http.MethodPost, "/api/v1/events/trigger", map[string]any{"type": "price.updated"})
	env.svc.Wait()

	rr = env.do(t, "", http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pricedeck_webhook_delivery_attempts_total")
	assert.Contains(t, rr.Body.String(), `pricedeck_webhook_events_total{event_type="price.updated",matched="true"} 1`)
}
