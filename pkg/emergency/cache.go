package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the read-side shortcut for hot incidents.
type Cache interface {
	Set(ctx context.Context, em Emergency) error
	Get(ctx context.Context, id string) (Emergency, bool, error)
	Delete(ctx context.Context, id string) error
}

// RedisCache keeps recently touched emergencies in Redis so status
// pollers do not hammer Postgres.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache builds a cache with the given TTL (1h when zero).
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func cacheKey(id string) string { return "emergency:" + id }

func (c *RedisCache) Set(ctx context.Context, em Emergency) error {
	data, err := json.Marshal(em)
	if err != nil {
		return fmt.Errorf("marshal emergency: %w", err)
	}
	return c.rdb.Set(ctx, cacheKey(em.ID), data, c.ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, id string) (Emergency, bool, error) {
	data, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	if err == redis.Nil {
		return Emergency{}, false, nil
	}
	if err != nil {
		return Emergency{}, false, err
	}
	var em Emergency
	if err := json.Unmarshal(data, &em); err != nil {
		return Emergency{}, false, fmt.Errorf("decode cached emergency: %w", err)
	}
	return em, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, cacheKey(id)).Err()
}
