package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig holds fixed-window limits for public endpoints.
type RateLimitConfig struct {
	Requests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"120"`
	Window   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

const defaultRateLimitWindow = time.Minute

func (c RateLimitConfig) normalized() RateLimitConfig {
	if c.Window <= 0 {
		c.Window = defaultRateLimitWindow
	}
	return c
}

// RedisLimiter is a fixed-window limiter shared across instances.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	cfg    RateLimitConfig
}

// NewRedisLimiter creates a limiter storing counters under prefix.
func NewRedisLimiter(client *redis.Client, prefix string, cfg RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix + "ratelimit:", cfg: cfg.normalized()}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := time.Now().UnixNano() / int64(l.cfg.Window)
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= int64(l.cfg.Requests), nil
}

// MemoryLimiter is an in-process fixed-window limiter.
type MemoryLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu     sync.Mutex
	window int64
	counts map[string]int
}

// NewMemoryLimiter creates an in-process limiter. A non-positive window
// falls back to one minute.
func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:    cfg.normalized(),
		now:    time.Now,
		counts: make(map[string]int),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.now().UnixNano() / int64(l.cfg.Window)
	if window != l.window {
		l.window = window
		clear(l.counts)
	}
	l.counts[key]++
	return l.counts[key] <= l.cfg.Requests, nil
}
