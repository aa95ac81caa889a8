// Package cache provides the bounded context cache used by execution
// kernels. Entries are evicted by least-recent access; keys are tuple
// encodings of tenant, thread, namespace and key.
package cache

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ContextCache is a bounded associative cache for kernel context values.
// Thread-safe: reads update recency, so all operations take the write path
// of the underlying LRU.
type ContextCache struct {
	inner   *lru.Cache[string, any]
	maxSize int

	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
}

// Stats reports cache effectiveness counters since construction (or the
// last Clear).
type Stats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// New creates a ContextCache holding at most maxSize entries.
func New(maxSize int) (*ContextCache, error) {
	c := &ContextCache{maxSize: maxSize}
	inner, err := lru.NewWithEvict[string, any](maxSize, func(string, any) {
		c.mu.Lock()
		c.evictions++
		c.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

// Key builds the canonical tuple key "tenantId[:threadId]:namespace:key".
// threadID may be empty for tenant-scoped entries.
func Key(tenantID, threadID, namespace, key string) string {
	parts := make([]string, 0, 4)
	parts = append(parts, tenantID)
	if threadID != "" {
		parts = append(parts, threadID)
	}
	parts = append(parts, namespace, key)
	return strings.Join(parts, ":")
}

// Get returns the cached value and updates its recency.
func (c *ContextCache) Get(key string) (any, bool) {
	v, ok := c.inner.Get(key)
	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	return v, ok
}

// Set stores a value, evicting the least recently accessed entry when the
// cache is full and the key is new.
func (c *ContextCache) Set(key string, value any) {
	c.inner.Add(key, value)
}

// Has reports whether the key is present without updating recency.
func (c *ContextCache) Has(key string) bool {
	return c.inner.Contains(key)
}

// Delete removes the key. Returns true if it was present.
func (c *ContextCache) Delete(key string) bool {
	return c.inner.Remove(key)
}

// Clear drops all entries and resets counters.
func (c *ContextCache) Clear() {
	c.inner.Purge()
	c.mu.Lock()
	c.hits, c.misses, c.evictions = 0, 0, 0
	c.mu.Unlock()
}

// Len returns the current number of entries.
func (c *ContextCache) Len() int {
	return c.inner.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *ContextCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.inner.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
