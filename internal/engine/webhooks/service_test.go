package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricedeck/internal/platform/models"
)

func TestService_DeliversMatchingEvent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, fastPolicy())
	rc := newReceiver(t, http.StatusOK)

	w, err := svc.Register(context.Background(), "user_1", RegisterInput{
		URL:            rc.URL,
		Events:         []string{"dashboard.created"},
		Headers:        map[string]string{"X-Team": "pricing"},
		TestOnRegister: boolPtr(false),
	})
	require.NoError(t, err)

	event, err := svc.TriggerChecked("dashboard.created", "user_1", map[string]any{"dashboard_id": "d_1", "name": "Metals"})
	require.NoError(t, err)
	svc.Wait()

	reqs := rc.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]

	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, w.ID, req.header.Get(HeaderWebhookID))
	assert.Equal(t, "dashboard.created", req.header.Get(HeaderEventType))
	assert.Equal(t, "pricing", req.header.Get("X-Team"))
	assert.Empty(t, req.header.Get(HeaderTest))
	ts, err := strconv.ParseInt(req.header.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), time.UnixMilli(ts), 5*time.Second)

	assert.True(t, VerifyBody(req.body, req.header.Get(HeaderSignature), w.Secret))
	assert.False(t, VerifyBody(req.body, req.header.Get(HeaderSignature), "whsec_other"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(req.body, &payload))
	assert.Equal(t, event.ID, payload["id"])
	assert.Equal(t, "dashboard.created", payload["type"])
	assert.Equal(t, "user_1", payload["userId"])
	assert.Equal(t, map[string]any{"dashboard_id": "d_1", "name": "Metals"}, payload["data"])
	_, err = time.Parse(time.RFC3339Nano, payload["timestamp"].(string))
	assert.NoError(t, err)

	got, err := svc.Get("user_1", w.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Stats.Sent)
	assert.EqualValues(t, 1, got.Stats.Succeeded)
	assert.EqualValues(t, 0, got.Stats.Failed)
	assert.NotNil(t, got.Stats.LastDelivery)

	stored, _ := store.stored(w.ID)
	assert.EqualValues(t, 1, stored.Stats.Succeeded)

	logs := store.logsFor(w.ID)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, event.ID, logs[0].EventID)

	// Non-matching event: no request, stats unchanged.
	svc.Trigger("widget.updated", "user_1", map[string]any{"widget_id": "w_1"})
	svc.Wait()
	assert.Equal(t, 1, rc.count())
	got, _ = svc.Get("user_1", w.ID)
	assert.EqualValues(t, 1, got.Stats.Sent)
}

func TestService_WildcardAndOwnerIsolation(t *testing.T) {
	svc := newTestService(t, newMemStore(), fastPolicy())
	mine := newReceiver(t, http.StatusOK)
	theirs := newReceiver(t, http.StatusOK)
	register(t, svc, "user_1", mine.URL)
	register(t, svc, "user_2", theirs.URL)

	for _, et := range []string{"price.updated", "media.uploaded", "system.maintenance"} {
		svc.Trigger(et, "user_1", nil)
	}
	svc.Wait()

	assert.Equal(t, 3, mine.count())
	assert.Equal(t, 0, theirs.count())
}

func TestService_InactiveWebhookSkipped(t *testing.T) {
	svc := newTestService(t, newMemStore(), fastPolicy())
	rc := newReceiver(t, http.StatusOK)
	w := register(t, svc, "user_1", rc.URL)

	_, err := svc.Update(context.Background(), "user_1", w.ID, UpdateInput{Active: boolPtr(false)})
	require.NoError(t, err)

	svc.Trigger("dashboard.created", "user_1", nil)
	svc.Wait()
	assert.Zero(t, rc.count())
}

func TestService_UnknownEventType(t *testing.T) {
	svc := newTestService(t, newMemStore(), fastPolicy())
	rc := newReceiver(t, http.StatusOK)
	register(t, svc, "user_1", rc.URL)

	svc.Trigger("dashboard.exploded", "user_1", nil)
	svc.Wait()
	assert.Zero(t, rc.count())

	_, err := svc.TriggerChecked("dashboard.exploded", "user_1", nil)
	assert.ErrorIs(t, err, ErrUnknownEventType)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = svc.TriggerChecked("dashboard.created", "user_1", map[string]any{"bad": make(chan int)})
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "data", verr.Field)
}

func TestService_RetriesServerErrors(t *testing.T) {
	store := newMemStore()
	policy := fastPolicy()
	svc := newTestService(t, store, policy)
	rc := newReceiver(t, http.StatusServiceUnavailable)
	w := register(t, svc, "user_1", rc.URL)

	svc.Trigger("dashboard.created", "user_1", nil)

	require.Eventually(t, func() bool { return rc.count() == 3 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(policy.Delay(3) + 100*time.Millisecond)
	assert.Equal(t, 3, rc.count(), "max attempts includes the first")

	reqs := rc.requests()
	assert.GreaterOrEqual(t, reqs[1].at.Sub(reqs[0].at), policy.Delay(1))
	assert.GreaterOrEqual(t, reqs[2].at.Sub(reqs[1].at), policy.Delay(2))
	for _, r := range reqs {
		assert.True(t, VerifyBody(r.body, r.header.Get(HeaderSignature), w.Secret))
	}
	assert.Equal(t, reqs[0].body, reqs[2].body, "retries resend the same payload")

	require.Eventually(t, func() bool {
		got, _ := svc.Get("user_1", w.ID)
		return got.Stats.Sent == 3
	}, time.Second, 5*time.Millisecond)
	got, _ := svc.Get("user_1", w.ID)
	assert.EqualValues(t, 3, got.Stats.Failed)
	assert.EqualValues(t, 0, got.Stats.Succeeded)
	require.NotNil(t, got.Stats.LastError)
	assert.Equal(t, "HTTP 503", got.Stats.LastError.Message)

	logs := store.logsFor(w.ID)
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, i+1, l.Attempt)
		assert.Equal(t, 503, l.StatusCode)
	}
}

func TestService_RecoversOnRetry(t *testing.T) {
	svc := newTestService(t, newMemStore(), fastPolicy())
	rc := newReceiver(t, http.StatusBadGateway)
	w := register(t, svc, "user_1", rc.URL)

	svc.Trigger("product.updated", "user_1", nil)
	svc.Wait()
	rc.setStatus(http.StatusOK)

	require.Eventually(t, func() bool {
		got, _ := svc.Get("user_1", w.ID)
		return got.Stats.Succeeded == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	got, _ := svc.Get("user_1", w.ID)
	assert.EqualValues(t, 2, got.Stats.Sent)
	assert.EqualValues(t, 1, got.Stats.Failed)
	assert.Equal(t, 2, rc.count())
}

func TestService_ClientErrorsAreNotRetried(t *testing.T) {
	svc := newTestService(t, newMemStore(), fastPolicy())
	rc := newReceiver(t, http.StatusUnprocessableEntity)
	w := register(t, svc, "user_1", rc.URL)

	svc.Trigger("user.updated", "user_1", nil)
	svc.Wait()
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 1, rc.count())
	got, _ := svc.Get("user_1", w.ID)
	assert.EqualValues(t, 1, got.Stats.Succeeded)
	assert.EqualValues(t, 0, got.Stats.Failed)
}

func TestService_RetryDisabled(t *testing.T) {
	svc := newTestService(t, newMemStore(), fastPolicy())

	tests := []struct {
		name   string
		status int
	}{
		{"failing", http.StatusInternalServerError},
		{"succeeding", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newReceiver(t, tt.status)
			w, err := svc.Register(context.Background(), "owner_"+tt.name, RegisterInput{
				URL:            rc.URL,
				RetryOnFailure: boolPtr(false),
				TestOnRegister: boolPtr(false),
			})
			require.NoError(t, err)

			svc.Trigger("price.alert", w.OwnerID, nil)
			svc.Wait()
			time.Sleep(200 * time.Millisecond)

			assert.Equal(t, 1, rc.count())
			got, _ := svc.Get(w.OwnerID, w.ID)
			assert.EqualValues(t, 1, got.Stats.Sent)
		})
	}
}

func TestService_DeleteStopsScheduledRetries(t *testing.T) {
	store := newMemStore()
	policy := Policy{MaxAttempts: 3, BaseDelay: 150 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	svc := newTestService(t, store, policy)
	rc := newReceiver(t, http.StatusServiceUnavailable)
	w := register(t, svc, "user_1", rc.URL)

	svc.Trigger("dashboard.updated", "user_1", nil)
	svc.Wait()
	require.Equal(t, 1, rc.count())
	require.Equal(t, 1, svc.PendingRetries(), "a retry should be waiting")

	writes := store.statsWriteCount(w.ID)
	require.NoError(t, svc.Delete(context.Background(), "user_1", w.ID))

	time.Sleep(policy.Delay(1) + policy.Delay(2) + 100*time.Millisecond)
	assert.Equal(t, 1, rc.count(), "no attempt may run after delete")
	assert.Equal(t, writes, store.statsWriteCount(w.ID), "no stats change after delete")
	assert.Zero(t, svc.PendingRetries())
	assert.Empty(t, store.logsFor(w.ID))
}

func TestService_DeactivateStopsScheduledRetries(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	svc := newTestService(t, newMemStore(), policy)
	rc := newReceiver(t, http.StatusServiceUnavailable)
	w := register(t, svc, "user_1", rc.URL)

	svc.Trigger("dashboard.updated", "user_1", nil)
	svc.Wait()
	_, err := svc.Update(context.Background(), "user_1", w.ID, UpdateInput{Active: boolPtr(false)})
	require.NoError(t, err)

	time.Sleep(policy.Delay(1) + 100*time.Millisecond)
	assert.Equal(t, 1, rc.count())
	got, _ := svc.Get("user_1", w.ID)
	assert.EqualValues(t, 1, got.Stats.Sent)
}

func TestService_FanOutIsNotBlockedByFailures(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	svc := newTestService(t, newMemStore(), policy)

	ok1 := newReceiver(t, http.StatusOK)
	ok2 := newReceiver(t, http.StatusOK)
	broken := register(t, svc, "user_1", deadURL(t))
	a := register(t, svc, "user_1", ok1.URL)
	b := register(t, svc, "user_1", ok2.URL)

	start := time.Now()
	svc.Trigger("widget.created", "user_1", nil)
	svc.Wait()

	assert.Less(t, time.Since(start), policy.Delay(1), "successful deliveries must not wait for retries")
	assert.Equal(t, 1, ok1.count())
	assert.Equal(t, 1, ok2.count())
	for _, id := range []string{a.ID, b.ID} {
		got, _ := svc.Get("user_1", id)
		assert.EqualValues(t, 1, got.Stats.Succeeded)
	}
	got, _ := svc.Get("user_1", broken.ID)
	assert.EqualValues(t, 1, got.Stats.Failed)
	assert.Equal(t, 1, svc.PendingRetries())
}

func TestService_SlowReceiverDoesNotDelayOthers(t *testing.T) {
	svc := newTestService(t, newMemStore(), fastPolicy())

	slow := newReceiver(t, http.StatusOK)
	release := make(chan struct{})
	slow.mu.Lock()
	slow.hold = release
	slow.mu.Unlock()
	fast := newReceiver(t, http.StatusOK)
	register(t, svc, "user_1", slow.URL)
	f := register(t, svc, "user_1", fast.URL)

	svc.Trigger("media.uploaded", "user_1", nil)

	require.Eventually(t, func() bool {
		got, _ := svc.Get("user_1", f.ID)
		return got.Stats.Succeeded == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	svc.Wait()
	assert.Equal(t, 1, slow.count())
}

func TestService_Test(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, fastPolicy())
	rc := newReceiver(t, http.StatusOK)
	w := register(t, svc, "user_1", rc.URL)

	out, err := svc.Test(context.Background(), "user_1", w.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, http.StatusOK, out.StatusCode)

	reqs := rc.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "true", reqs[0].header.Get(HeaderTest))
	assert.True(t, VerifyBody(reqs[0].body, reqs[0].header.Get(HeaderSignature), w.Secret))

	got, _ := svc.Get("user_1", w.ID)
	assert.Zero(t, got.Stats.Sent, "tests do not count as deliveries")

	logs := store.logsFor(w.ID)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Test)
	assert.Equal(t, string(EventSystemTest), logs[0].EventType)

	_, err = svc.Test(context.Background(), "user_2", w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Logs(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, fastPolicy())
	rc := newReceiver(t, http.StatusOK)
	w := register(t, svc, "user_1", rc.URL)

	svc.Trigger("price.updated", "user_1", nil)
	svc.Trigger("price.updated", "user_1", nil)
	svc.Wait()

	page, err := svc.Logs(context.Background(), "user_1", w.ID, models.LogQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	_, err = svc.Logs(context.Background(), "user_2", w.ID, models.LogQuery{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_CloseDiscardsPendingRetries(t *testing.T) {
	store := newMemStore()
	policy := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	svc := NewService(Options{Store: store, Logs: store, Policy: policy})
	require.NoError(t, svc.Start(context.Background()))

	rc := newReceiver(t, http.StatusServiceUnavailable)
	register(t, svc, "user_1", rc.URL)
	svc.Trigger("dashboard.deleted", "user_1", nil)
	svc.Wait()
	require.Equal(t, 1, svc.PendingRetries())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Close(ctx))

	time.Sleep(policy.Delay(1) + 100*time.Millisecond)
	assert.Equal(t, 1, rc.count())
	assert.Zero(t, svc.PendingRetries())
}

func TestService_DeleteDuringDeliveryLeavesNoRecords(t *testing.T) {
	store := newMemStore()
	analytics := &recordedAnalytics{}
	svc := NewService(Options{
		Store:           store,
		Logs:            store,
		Analytics:       analytics,
		Policy:          fastPolicy(),
		DeliveryTimeout: 2 * time.Second,
		ProbeTimeout:    time.Second,
	})
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
	})

	rc := newReceiver(t, http.StatusOK)
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	t.Cleanup(releaseOnce)
	rc.mu.Lock()
	rc.hold = release
	rc.mu.Unlock()
	w := register(t, svc, "user_1", rc.URL)

	svc.Trigger("price.updated", "user_1", map[string]any{"price": 10})
	require.Eventually(t, func() bool { return rc.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Delete(context.Background(), "user_1", w.ID))
	releaseOnce()
	svc.Wait()

	assert.Empty(t, store.logsFor(w.ID), "delivery log written for a deleted webhook")
	assert.Empty(t, analytics.recorded(), "analytics written for a deleted webhook")
	assert.Zero(t, store.statsWriteCount(w.ID))
	_, ok := store.stored(w.ID)
	assert.False(t, ok)
}

func TestService_ConcurrentDeliveriesKeepCounts(t *testing.T) {
	const n = 40

	store := newMemStore()
	svc := newTestService(t, store, fastPolicy())
	rc := newReceiver(t, http.StatusOK)
	healthy := register(t, svc, "user_1", rc.URL)
	broken, err := svc.Register(context.Background(), "user_1", RegisterInput{
		URL:            deadURL(t),
		RetryOnFailure: boolPtr(false),
		TestOnRegister: boolPtr(false),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.Trigger("price.updated", "user_1", map[string]any{"seq": i})
		}(i)
	}
	wg.Wait()
	svc.Wait()

	assert.Equal(t, n, rc.count())

	tests := []struct {
		id            string
		wantSucceeded int64
		wantFailed    int64
	}{
		{healthy.ID, n, 0},
		{broken.ID, 0, n},
	}
	for _, tt := range tests {
		got, err := svc.Get("user_1", tt.id)
		require.NoError(t, err)
		assert.EqualValues(t, n, got.Stats.Sent)
		assert.Equal(t, tt.wantSucceeded, got.Stats.Succeeded)
		assert.Equal(t, tt.wantFailed, got.Stats.Failed)
		assert.Equal(t, got.Stats.Sent, got.Stats.Succeeded+got.Stats.Failed)

		stored, found := store.stored(tt.id)
		require.True(t, found)
		assert.Equal(t, got.Stats.Sent, stored.Stats.Sent, "stored stats lag behind memory")
		assert.Equal(t, got.Stats.Succeeded, stored.Stats.Succeeded)
		assert.Equal(t, got.Stats.Failed, stored.Stats.Failed)
		assert.Len(t, store.logsFor(tt.id), n)
	}
}
