package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// MetricsCache holds the briefly-cached operator metrics view. A cache
// failure is never fatal; callers fall back to live computation.
type MetricsCache struct {
	client *goredis.Client
	ttl    time.Duration
}

const metricsKey = "e2ee:metrics:summary"

func NewMetricsCache(client *goredis.Client, ttl time.Duration) *MetricsCache {
	return &MetricsCache{client: client, ttl: ttl}
}

// Get unmarshals the cached view into dest. Returns false on a miss or
// any cache error.
func (c *MetricsCache) Get(ctx context.Context, dest any) (bool, error) {
	data, err := c.client.Get(ctx, metricsKey).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *MetricsCache) Set(ctx context.Context, view any) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, metricsKey, data, c.ttl).Err()
}

func (c *MetricsCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, metricsKey).Err()
}

// Ping checks if Redis is available.
func (c *MetricsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
