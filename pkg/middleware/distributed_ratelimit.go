package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter shares a fixed-window limit across registry
// instances through Redis.
type DistributedRateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewDistributedRateLimiter allows limit requests per window per key,
// counted in Redis. prefix defaults to "ratelimit".
func NewDistributedRateLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

// Allow implements Limiter with an INCR+EXPIRE fixed window. The
// middleware fails open on the returned error.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, fmt.Errorf("redis rate limit: %w", err)
	}

	if incr.Val() <= int64(rl.limit) {
		return true, 0, nil
	}

	retryAfter := rl.window
	if ttl, err := rl.redis.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return false, retryAfter, nil
}

// Remaining reports the unused quota for a key in the current window.
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Int()
	if err == redis.Nil {
		return rl.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis rate limit: %w", err)
	}
	remaining := rl.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the window for a key.
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, fmt.Sprintf("%s:%s", rl.prefix, key)).Err()
}
