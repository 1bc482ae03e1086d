package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache is a ttlcache-backed Cache for single-process runs and
// tests. Entries do not expire unless a TTL is configured.
type MemoryCache struct {
	entries *ttlcache.Cache[string, string]
}

// NewMemoryCache creates a MemoryCache. A zero ttl keeps entries until
// deleted.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	options := []ttlcache.Option[string, string]{}
	if ttl > 0 {
		options = append(options, ttlcache.WithTTL[string, string](ttl))
	}
	entries := ttlcache.New[string, string](options...)
	if ttl > 0 {
		go entries.Start()
	}
	return &MemoryCache{entries: entries}
}

// Get returns the cached value for key.
func (memoryCache *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	item := memoryCache.entries.Get(key)
	if item == nil {
		return "", false, nil
	}
	return item.Value(), true, nil
}

// Set stores the value for key.
func (memoryCache *MemoryCache) Set(ctx context.Context, key string, value string) error {
	memoryCache.entries.Set(key, value, ttlcache.DefaultTTL)
	return nil
}

// Delete removes the key.
func (memoryCache *MemoryCache) Delete(ctx context.Context, key string) error {
	memoryCache.entries.Delete(key)
	return nil
}
