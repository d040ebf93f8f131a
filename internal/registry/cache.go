package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/hollisb/conductor/internal/modules"
)

// Clock returns the current time. Injected so TTL expiry is testable.
type Clock func() time.Time

// ManifestKey returns the cache key for a module's manifest.
func ManifestKey(module string) string {
	return fmt.Sprintf("module_manifest:%s", module)
}

type cacheEntry struct {
	manifest *modules.Manifest
	storedAt time.Time
}

// ManifestCache is a TTL-bounded cache of module manifests. Discovery
// writes into it; LoadFromCache reads it back at startup so the
// registry can serve tools before the first discovery completes.
type ManifestCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     Clock
}

// NewManifestCache creates a cache with the given TTL. A nil clock
// defaults to time.Now.
func NewManifestCache(ttl time.Duration, now Clock) *ManifestCache {
	if now == nil {
		now = time.Now
	}
	return &ManifestCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns the cached manifest for key if present and not expired.
// Expired entries are evicted on access.
func (c *ManifestCache) Get(key string) (*modules.Manifest, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a Put may have raced us.
		if cur, ok := c.entries[key]; ok && c.now().Sub(cur.storedAt) >= c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.manifest, true
}

// Put stores a manifest under key, replacing any previous entry and
// restarting its TTL.
func (c *ManifestCache) Put(key string, m *modules.Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{manifest: m, storedAt: c.now()}
}

// Invalidate removes key from the cache.
func (c *ManifestCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Keys returns the non-expired keys currently in the cache.
func (c *ManifestCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if now.Sub(e.storedAt) < c.ttl {
			keys = append(keys, k)
		}
	}
	return keys
}
