package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores embeddings keyed by CacheKey(model, text). Successful
// embeddings are written back independently of which source chunk produced
// them, so identical text across sources shares one entry.
type Cache interface {
	// GetBatch returns the cached vectors for the given keys; missing keys
	// are simply absent from the result.
	GetBatch(ctx context.Context, keys []string) (map[string][]float32, error)

	// PutBatch stores vectors under their keys.
	PutBatch(ctx context.Context, entries map[string][]float32) error
}

// MemoryCache is an in-process Cache used when no Redis is configured and
// in tests. Safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]float32
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]float32)}
}

func (c *MemoryCache) GetBatch(_ context.Context, keys []string) (map[string][]float32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]float32, len(keys))
	for _, key := range keys {
		if vec, ok := c.entries[key]; ok {
			out[key] = vec
		}
	}
	return out, nil
}

func (c *MemoryCache) PutBatch(_ context.Context, entries map[string][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, vec := range entries {
		c.entries[key] = vec
	}
	return nil
}

// Len reports the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// redisKeyPrefix namespaces embedding entries in a shared Redis.
const redisKeyPrefix = "emb:"

// redisCacheTTL bounds cache growth; re-embedding after expiry is cheap
// relative to unbounded memory.
const redisCacheTTL = 30 * 24 * time.Hour

// RedisCache is a Redis-backed Cache shared across processes.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) GetBatch(ctx context.Context, keys []string) (map[string][]float32, error) {
	if len(keys) == 0 {
		return map[string][]float32{}, nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = redisKeyPrefix + key
	}

	values, err := c.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make(map[string][]float32, len(keys))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue // cache miss
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue // corrupt entry, treat as miss
		}
		out[keys[i]] = vec
	}
	return out, nil
}

func (c *RedisCache) PutBatch(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for key, vec := range entries {
		data, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("marshaling cache entry: %w", err)
		}
		pipe.Set(ctx, redisKeyPrefix+key, data, redisCacheTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline set: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
