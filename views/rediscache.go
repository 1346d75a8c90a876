package views

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs the Registry's TTL memoization with Redis instead of
// the default in-process map (spec §4.5, "Projections may be memoized
// with an explicit TTL") — the cache a multi-process Happen deployment
// wires so every process shares one projection cache instead of each
// holding its own stale copy.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache wraps an existing redis client. keyPrefix namespaces keys
// so multiple Happen deployments can share one Redis instance.
func NewRedisCache(client *redis.Client, keyPrefix string) *RedisCache {
	return &RedisCache{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCache) prefixed(key string) string { return c.keyPrefix + key }

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (any, bool) {
	raw, err := c.client.Get(ctx, c.prefixed(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, false
		}
		return nil, false
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	return value, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefixed(key), raw, ttl)
}

// InvalidatePrefix implements Cache, scanning for keys under prefix and
// deleting them. Redis has no native prefix-delete; SCAN is the
// teacher's documented approach for bounded-cardinality key spaces (spec
// §4.5 unregister invalidation is scoped to one node's projections).
func (c *RedisCache) InvalidatePrefix(ctx context.Context, prefix string) {
	pattern := c.prefixed(prefix) + "*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
}
