// Package ratelimit throttles high-volume API callers with a token
// bucket, backed by Redis when the coordinator runs distributed.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether one request under key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int64, reset time.Time, err error)
}

// RedisLimiter is a distributed token bucket. Refill and consume happen
// in one Lua script so concurrent coordinator instances never race.
type RedisLimiter struct {
	rdb      *redis.Client
	capacity int64
	refill   int64
	interval time.Duration
	prefix   string
}

// NewRedisLimiter builds a limiter adding refill tokens per interval up
// to capacity.
func NewRedisLimiter(rdb *redis.Client, capacity, refill int64, interval time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{rdb: rdb, capacity: capacity, refill: refill, interval: interval, prefix: prefix}
}

const bucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

local passed = math.floor((now - last) / interval)
if passed > 0 then
  tokens = math.min(capacity, tokens + passed * refill)
  last = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last)
redis.call('EXPIRE', key, interval * 2)
return {allowed, tokens, last}
`

// Allow consumes one token. Redis failures fail open: availability of
// the API wins over strict limiting.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int64, time.Time, error) {
	now := time.Now()
	res, err := l.rdb.Eval(ctx, bucketScript, []string{l.prefix + ":" + key},
		l.capacity, l.refill, int64(l.interval.Seconds()), now.Unix()).Result()
	if err != nil {
		return true, l.capacity, now, fmt.Errorf("ratelimit eval: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) < 3 {
		return true, l.capacity, now, fmt.Errorf("ratelimit: unexpected script result")
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	lastRefill, _ := vals[2].(int64)
	return allowed == 1, remaining, time.Unix(lastRefill, 0).Add(l.interval), nil
}

// MemoryLimiter is the single-process token bucket for dev runs and
// tests.
type MemoryLimiter struct {
	capacity int64
	refill   int64
	interval time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens     int64
	lastRefill time.Time
}

// NewMemoryLimiter builds an in-process limiter with the same semantics
// as the Redis one.
func NewMemoryLimiter(capacity, refill int64, interval time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		capacity: capacity,
		refill:   refill,
		interval: interval,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, int64, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}
	if passed := int64(now.Sub(b.lastRefill) / l.interval); passed > 0 {
		b.tokens = min(l.capacity, b.tokens+passed*l.refill)
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false, 0, b.lastRefill.Add(l.interval), nil
	}
	b.tokens--
	return true, b.tokens, b.lastRefill.Add(l.interval), nil
}

// Middleware enforces the limit per client, keyed by keyFn (typically
// the authenticated user or remote address). Limiter errors fail open.
func Middleware(l Limiter, keyFn func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, reset, err := l.Allow(r.Context(), keyFn(r))
		if err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(reset).Seconds())+1, 10))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
