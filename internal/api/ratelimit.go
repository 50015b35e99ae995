package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Counter counts hits per key within a fixed window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter shares the window across instances.
type RedisCounter struct {
	Redis  *redis.Client
	Prefix string
}

func NewRedisCounter(r *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{Redis: r, Prefix: prefix}
}

func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	redisKey := fmt.Sprintf("%s:ratelimit:%s", r.Prefix, key)
	count, err := r.Redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		r.Redis.Expire(ctx, redisKey, window)
	}
	return count, nil
}

type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	count   int64
	expires time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, buckets: make(map[string]*bucket)}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	b, ok := m.buckets[key]
	if !ok || !now.Before(b.expires) {
		b = &bucket{expires: now.Add(window)}
		m.buckets[key] = b
	}
	b.count++
	return b.count, nil
}

type RateLimiter struct {
	Counter Counter
	Limit   int
	Window  time.Duration
	log     *zap.SugaredLogger
}

func NewRateLimiter(counter Counter, limit int, window time.Duration, log *zap.SugaredLogger) *RateLimiter {
	return &RateLimiter{Counter: counter, Limit: limit, Window: window, log: log}
}

// MiddlewareByKey rejects requests over Limit per Window with 429. Counter
// errors let the request through.
func (r *RateLimiter) MiddlewareByKey(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if r == nil || r.Limit <= 0 {
			return c.Next()
		}
		key := keyFunc(c)
		count, err := r.Counter.Incr(c.UserContext(), key, r.Window)
		if err != nil {
			if r.log != nil {
				r.log.Warnw("rate limiter unavailable", "key", key, "error", err)
			}
			return c.Next()
		}
		if count > int64(r.Limit) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Next()
	}
}

// byUser keys on the authenticated caller and route.
func byUser(c *fiber.Ctx) string {
	return caller(c) + ":" + c.Route().Path
}
