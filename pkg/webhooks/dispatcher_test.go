package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, metadata.Store) {
	t.Helper()
	store, err := metadata.OpenSQLite(filepath.Join(t.TempDir(), "hooks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	d := NewDispatcher(store, logger, nil)
	// Real waits through the whole schedule, compressed so retry tests
	// run fast.
	d.backoff = []time.Duration{
		5 * time.Millisecond,
		5 * time.Millisecond,
		10 * time.Millisecond,
		10 * time.Millisecond,
		10 * time.Millisecond,
	}
	return d, store
}

func registerHook(t *testing.T, store metadata.Store, url, secret string, events []string) *metadata.Webhook {
	t.Helper()
	now := time.Now().UTC()
	hook := &metadata.Webhook{
		ID: "w-" + url[len(url)-4:], URL: url, Events: events, Secret: secret,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateWebhook(context.Background(), hook); err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	return hook
}

func TestDeliverySignedAndRecorded(t *testing.T) {
	d, store := newTestDispatcher(t)

	var gotBody []byte
	var gotSig, gotEvent, gotDelivery string
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Repub-Signature")
		gotEvent = r.Header.Get("X-Repub-Event")
		gotDelivery = r.Header.Get("X-Repub-Delivery-Id")
		received <- struct{}{}
	}))
	defer srv.Close()

	hook := registerHook(t, store, srv.URL, "hunter2", []string{"package.published"})

	d.Start()
	d.Emit("package.published", map[string]interface{}{"name": "pkg", "version": "1.0.0"})

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never arrived")
	}
	d.Close()

	if gotEvent != "package.published" {
		t.Errorf("event header = %q", gotEvent)
	}
	if gotDelivery == "" {
		t.Error("missing delivery id header")
	}
	if !Verify("hunter2", gotBody, gotSig) {
		t.Error("signature does not verify against delivered body")
	}

	deliveries, err := store.ListWebhookDeliveries(context.Background(), hook.ID, 10)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("deliveries = %v, %v", deliveries, err)
	}
	if !deliveries[0].Success || deliveries[0].StatusCode != 200 {
		t.Errorf("delivery record = %+v", deliveries[0])
	}

	// Success resets the failure counter.
	h, _ := store.GetWebhook(context.Background(), hook.ID)
	if h.FailureCount != 0 {
		t.Errorf("failure count = %d", h.FailureCount)
	}
}

func TestEventFilteringBySubscription(t *testing.T) {
	d, store := newTestDispatcher(t)

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	registerHook(t, store, srv.URL, "", []string{"version.retracted"})

	d.Start()
	d.Emit("package.published", map[string]interface{}{"name": "pkg"})
	d.Close()

	if n := atomic.LoadInt64(&hits); n != 0 {
		t.Errorf("unsubscribed webhook received %d deliveries", n)
	}
}

func TestWildcardSubscription(t *testing.T) {
	d, store := newTestDispatcher(t)

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	registerHook(t, store, srv.URL, "", []string{"*"})

	d.Start()
	d.Emit("package.published", nil)
	d.Emit("version.retracted", nil)
	d.Close()

	if n := atomic.LoadInt64(&hits); n != 2 {
		t.Errorf("wildcard webhook received %d deliveries, want 2", n)
	}
}

func TestRetriesThenFailureCounted(t *testing.T) {
	d, store := newTestDispatcher(t)

	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hook := registerHook(t, store, srv.URL, "", []string{"*"})

	d.Start()
	d.Emit("package.published", nil)
	d.Close()

	if n := atomic.LoadInt64(&attempts); n != maxAttempts {
		t.Errorf("attempts = %d, want %d", n, maxAttempts)
	}

	h, _ := store.GetWebhook(context.Background(), hook.ID)
	if h.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1 (one terminal failure)", h.FailureCount)
	}
	if !h.IsActive {
		t.Error("webhook disabled below threshold")
	}

	deliveries, _ := store.ListWebhookDeliveries(context.Background(), hook.ID, 10)
	if len(deliveries) != maxAttempts {
		t.Errorf("delivery log entries = %d, want %d", len(deliveries), maxAttempts)
	}
}

func TestShutdownAbortsBackoffPromptly(t *testing.T) {
	d, store := newTestDispatcher(t)
	d.backoff = []time.Duration{time.Hour, time.Hour, time.Hour, time.Hour}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	hook := registerHook(t, store, srv.URL, "", []string{"*"})

	body := []byte(`{"type":"package.published"}`)
	done := make(chan struct{})
	go func() {
		d.deliverWithRetry(d.ctx, hook, event{ID: "e-1", Type: "package.published"}, body)
		close(done)
	}()

	// Let the first attempt fail and the hour-long backoff begin.
	time.Sleep(100 * time.Millisecond)
	d.cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery loop kept waiting after the dispatcher context ended")
	}

	// An abandoned delivery is not a terminal failure.
	h, _ := store.GetWebhook(context.Background(), hook.ID)
	if h.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", h.FailureCount)
	}
}

func TestAutoDisableAtThreshold(t *testing.T) {
	d, store := newTestDispatcher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// Threshold of 2 terminal failures.
	if err := store.SetConfig(ctx, metadata.ConfigWebhookThreshold, "2"); err != nil {
		t.Fatalf("set config: %v", err)
	}
	hook := registerHook(t, store, srv.URL, "", []string{"*"})

	d.Start()
	d.Emit("package.published", nil)
	d.Emit("package.published", nil)
	d.Close()

	h, _ := store.GetWebhook(ctx, hook.ID)
	if h.IsActive {
		t.Errorf("webhook still active after %d terminal failures", h.FailureCount)
	}
}

func TestInactiveWebhookSkipped(t *testing.T) {
	d, store := newTestDispatcher(t)

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	hook := registerHook(t, store, srv.URL, "", []string{"*"})
	if err := store.SetWebhookActive(context.Background(), hook.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	d.Start()
	d.Emit("package.published", nil)
	d.Close()

	if n := atomic.LoadInt64(&hits); n != 0 {
		t.Errorf("disabled webhook received %d deliveries", n)
	}
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"x","type":"package.published"}`)
	sig := Sign("secret", body)
	if !Verify("secret", body, sig) {
		t.Error("valid signature rejected")
	}
	if Verify("wrong", body, sig) {
		t.Error("wrong secret accepted")
	}
	if Verify("secret", []byte("tampered"), sig) {
		t.Error("tampered body accepted")
	}
	if len(sig) < 8 || sig[:7] != "sha256=" {
		t.Errorf("signature format = %q", sig)
	}
}
