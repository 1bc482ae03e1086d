package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by a Redis instance, for deployments
// where the cached session view must survive process restarts.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache constructs a RedisCache from a redis:// URL. The ping
// confirms connectivity before the cache is handed out.
func NewRedisCache(ctx context.Context, redisURL string, keyPrefix string) (*RedisCache, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("cache.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		return nil, fmt.Errorf("cache.redis.ping: %w", pingErr)
	}
	return &RedisCache{client: client, keyPrefix: keyPrefix}, nil
}

// Get returns the cached value for key.
func (redisCache *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := redisCache.client.Get(ctx, redisCache.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache.redis.get: %w", err)
	}
	return value, true, nil
}

// Set stores the value for key without expiry.
func (redisCache *RedisCache) Set(ctx context.Context, key string, value string) error {
	if err := redisCache.client.Set(ctx, redisCache.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("cache.redis.set: %w", err)
	}
	return nil
}

// Delete removes the key.
func (redisCache *RedisCache) Delete(ctx context.Context, key string) error {
	if err := redisCache.client.Del(ctx, redisCache.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache.redis.del: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (redisCache *RedisCache) Close() error {
	return redisCache.client.Close()
}
