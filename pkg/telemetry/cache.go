package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps the latest sample per drone under a short TTL so list
// views never hit the time-series table.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache wraps a Redis client. TTL defaults to 5 minutes.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func latestKey(droneID string) string { return "telemetry:" + droneID + ":latest" }

func (c *RedisCache) SetLatest(ctx context.Context, s Sample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	return c.rdb.Set(ctx, latestKey(s.DroneID), b, c.ttl).Err()
}

func (c *RedisCache) GetLatest(ctx context.Context, droneID string) (Sample, bool, error) {
	b, err := c.rdb.Get(ctx, latestKey(droneID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, err
	}
	var s Sample
	if err := json.Unmarshal(b, &s); err != nil {
		return Sample{}, false, fmt.Errorf("unmarshal cached sample: %w", err)
	}
	return s, true, nil
}
