package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"civicpulse/internal/privacy/models"
)

// Redis key prefix for cached query results.
const resultKeyPrefix = "privacy:result:"

// RedisResultCache is a Redis-backed result cache. Recommended for
// distributed deployments where replays may land on a different replica than
// the original request.
type RedisResultCache struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed result cache. The client lifecycle is
// managed externally.
func NewRedis(client *redis.Client) *RedisResultCache {
	return &RedisResultCache{client: client}
}

// Get returns the cached result for key, or nil when absent. Redis TTL
// handles expiry.
func (c *RedisResultCache) Get(ctx context.Context, key string) (*models.QueryResult, error) {
	if key == "" {
		return nil, nil
	}
	payload, err := c.client.Get(ctx, resultKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached result: %w", err)
	}
	var result models.QueryResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &result, nil
}

// Set stores the result under key with ttl via SETEX.
func (c *RedisResultCache) Set(ctx context.Context, key string, result models.QueryResult, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cached result: %w", err)
	}
	if err := c.client.Set(ctx, resultKeyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set cached result: %w", err)
	}
	return nil
}
