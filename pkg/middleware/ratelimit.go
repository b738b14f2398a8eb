package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

// Limiter decides whether a keyed request may proceed. When it may not,
// retryAfter says how long the client should wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimiter is an in-memory sliding-window limiter keyed by client.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewRateLimiter allows limit requests per window per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow implements Limiter. It never returns an error.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	window := rl.hits[key]
	for len(window) > 0 && window[0].Before(cutoff) {
		window = window[1:]
	}

	if len(window) >= rl.limit {
		rl.hits[key] = window
		return false, window[0].Add(rl.window).Sub(now), nil
	}

	rl.hits[key] = append(window, now)
	return true, 0, nil
}

// Cleanup drops keys whose windows have fully expired.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for key, window := range rl.hits {
		if len(window) == 0 || window[len(window)-1].Before(cutoff) {
			delete(rl.hits, key)
		}
	}
}

// StartCleanup prunes idle keys until the context is cancelled.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.window)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware applies a Limiter per client IP.
type RateLimitMiddleware struct {
	limiter Limiter
	logger  *observability.Logger
	metrics *observability.Metrics
	name    string
}

// NewRateLimitMiddleware wraps a limiter. name labels the rejection
// metric, e.g. "memory" or "redis".
func NewRateLimitMiddleware(limiter Limiter, logger *observability.Logger, metrics *observability.Metrics, name string) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, logger: logger, metrics: metrics, name: name}
}

// Handler enforces the limit, answering 429 with Retry-After when a
// client exceeds it.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := httputil.ClientIP(r)
		allowed, retryAfter, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			// Fail open: rate limiting protects the service, it must not
			// take it down.
			m.logger.WithError(err).Warn("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if m.metrics != nil {
				m.metrics.RateLimitedTotal.WithLabelValues(m.name).Inc()
			}
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			apierr.WriteKind(w, apierr.KindTooManyRequests, "rate limit exceeded, retry in %ds", seconds)
			return
		}
		next.ServeHTTP(w, r)
	})
}
