// Package cache stores terminal query results keyed by idempotency key, so a
// replayed request returns its original result instead of spending budget and
// sampling noise a second time.
package cache

import (
	"context"
	"sync"
	"time"

	"civicpulse/internal/privacy/models"
	"civicpulse/pkg/requestcontext"
)

// InMemoryResultCache is the single-process result cache. Production
// deployments with multiple replicas use RedisResultCache so replays hit
// regardless of which replica served the original request.
type InMemoryResultCache struct {
	mu      sync.RWMutex
	results map[string]cachedResult
}

type cachedResult struct {
	result    models.QueryResult
	expiresAt time.Time
}

// NewInMemory creates an empty in-memory result cache.
func NewInMemory() *InMemoryResultCache {
	return &InMemoryResultCache{results: make(map[string]cachedResult)}
}

// Get returns the cached result for key, or nil when absent or expired.
func (c *InMemoryResultCache) Get(ctx context.Context, key string) (*models.QueryResult, error) {
	if key == "" {
		return nil, nil
	}
	c.mu.RLock()
	cached, ok := c.results[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if requestcontext.Now(ctx).After(cached.expiresAt) {
		// Lazy expiry; the entry is overwritten or pruned on the next Set.
		c.mu.Lock()
		delete(c.results, key)
		c.mu.Unlock()
		return nil, nil
	}
	result := cached.result
	return &result, nil
}

// Set stores the result under key for ttl.
func (c *InMemoryResultCache) Set(ctx context.Context, key string, result models.QueryResult, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	now := requestcontext.Now(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistically drop expired entries to bound memory.
	for k, cached := range c.results {
		if now.After(cached.expiresAt) {
			delete(c.results, k)
		}
	}
	c.results[key] = cachedResult{result: result, expiresAt: now.Add(ttl)}
	return nil
}
