// Package ratelimit provides best-effort provider call throttling.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether one more provider call may run in the current
// window. Limiting is best effort: it protects upstream quotas, it does not
// enforce billing, so implementations should prefer availability over
// precision.
type Limiter interface {
	Allow(ctx context.Context, bucket string) (bool, error)
}

// windowStart truncates now to the active window so every process computes
// the same key.
func windowStart(now time.Time, window time.Duration) int64 {
	return now.Truncate(window).Unix()
}

// RedisLimiter is a fixed-window counter shared by all workers.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a limiter allowing limit calls per window. A limit
// of zero or less disables limiting.
func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow increments the window counter and compares it to the limit. Errors
// are returned to the caller, which treats them as allowed.
func (l *RedisLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("ratelimit:%s:%d", bucket, windowStart(time.Now(), l.window))

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return incr.Val() <= int64(l.limit), nil
}

// MemoryLimiter is a process-local fixed window used by tests and the
// no-redis development mode.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]int
	now    func() time.Time
}

// NewMemoryLimiter creates an in-process limiter. A limit of zero or less
// disables limiting.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := fmt.Sprintf("%s:%d", bucket, windowStart(l.now(), l.window))
	// Old windows accumulate one key per bucket per window. Reset the map
	// whenever it drifts past the live bucket set.
	if len(l.counts) > 4096 {
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit, nil
}
