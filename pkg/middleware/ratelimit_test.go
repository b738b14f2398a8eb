package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _, _ := rl.Allow(ctx, "1.2.3.4"); !ok {
			t.Fatalf("request %d rejected under the limit", i+1)
		}
	}
	ok, retryAfter, _ := rl.Allow(ctx, "1.2.3.4")
	if ok {
		t.Fatal("fourth request allowed over the limit")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v", retryAfter)
	}

	// Another client has its own window.
	if ok, _, _ := rl.Allow(ctx, "5.6.7.8"); !ok {
		t.Error("independent key rejected")
	}

	// The window slides: once the first hit ages out, one slot frees up.
	now = now.Add(61 * time.Second)
	if ok, _, _ := rl.Allow(ctx, "1.2.3.4"); !ok {
		t.Error("request rejected after window expired")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow(context.Background(), "a")
	rl.Allow(context.Background(), "b")

	now = now.Add(5 * time.Second)
	rl.Cleanup()

	rl.mu.Lock()
	remaining := len(rl.hits)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d stale keys survived cleanup", remaining)
	}
}

func TestRateLimitMiddlewareRejectsWith429(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	m := NewRateLimitMiddleware(NewRateLimiter(1, time.Minute), logger, nil, "memory")

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewDistributedRateLimiter(client, 2, time.Minute, "test")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := rl.Allow(ctx, "1.2.3.4")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, retryAfter, err := rl.Allow(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatal("third request allowed over the limit")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v", retryAfter)
	}

	if remaining, _ := rl.Remaining(ctx, "1.2.3.4"); remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if remaining, _ := rl.Remaining(ctx, "untouched"); remaining != 2 {
		t.Errorf("fresh key remaining = %d, want 2", remaining)
	}

	// The window expires in Redis.
	mr.FastForward(2 * time.Minute)
	if ok, _, _ := rl.Allow(ctx, "1.2.3.4"); !ok {
		t.Error("request rejected after window expired")
	}

	if err := rl.Reset(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if remaining, _ := rl.Remaining(ctx, "1.2.3.4"); remaining != 2 {
		t.Errorf("remaining after reset = %d, want 2", remaining)
	}
}

func TestDistributedRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	rl := NewDistributedRateLimiter(client, 1, time.Minute, "")
	ok, _, err := rl.Allow(context.Background(), "1.2.3.4")
	if err == nil {
		t.Error("expected an error with Redis down")
	}
	if !ok {
		t.Error("limiter did not fail open")
	}

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	m := NewRateLimitMiddleware(rl, logger, nil, "redis")
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter backend is down", rec.Code)
	}
}
