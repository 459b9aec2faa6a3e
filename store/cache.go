package store

import (
	"github.com/VictoriaMetrics/fastcache"
)

// Cache is a fixed-memory-budget hot-table cache sitting in front of DB
// reads. ManifestStore uses it for manifest lookups, which are re-read far
// more often than they're written.
type Cache struct {
	inner *fastcache.Cache
}

// NewCache creates a Cache with the given memory budget in bytes.
func NewCache(maxBytes int) *Cache {
	if maxBytes <= 0 {
		maxBytes = 32 * 1024 * 1024
	}
	return &Cache{inner: fastcache.New(maxBytes)}
}

// GetOrFetch returns the cached value for key, calling fetch and populating
// the cache on a miss. fetch returning ok=false means "does not exist" and
// is not cached (so a later write is observed promptly).
func (c *Cache) GetOrFetch(key []byte, fetch func() ([]byte, bool, error)) ([]byte, bool, error) {
	if v, ok := c.inner.HasGet(nil, key); ok {
		return v, true, nil
	}
	v, ok, err := fetch()
	if err != nil || !ok {
		return nil, ok, err
	}
	c.inner.Set(key, v)
	return v, true, nil
}

// Invalidate removes key from the cache, used after an overwrite so stale
// reads can't follow.
func (c *Cache) Invalidate(key []byte) {
	c.inner.Del(key)
}

// Reset clears the entire cache.
func (c *Cache) Reset() {
	c.inner.Reset()
}
