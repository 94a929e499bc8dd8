package pipeline

import (
	"sync"
	"time"
)

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock replaces the cache's wall clock, for deterministic expiry in
// tests.
func WithClock(clock Clock) CacheOption {
	return func(c *Cache) { c.clock = clock }
}

type cacheEntry struct {
	result    *CityResultSet
	expiresAt time.Time
}

// Cache holds one CityResultSet per city with TTL expiry. Entries are
// replaced atomically by successful pipeline runs; a failed refresh leaves
// whatever was there before, so stale data survives a bad run. The cache is
// the pipeline's only shared mutable state.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   Clock
	entries map[string]cacheEntry
}

// NewCache creates a cache whose entries expire ttl after insertion.
func NewCache(ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:     ttl,
		clock:   systemClock{},
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the unexpired entry for a city, or ok=false when the entry is
// absent or past its TTL. Expired entries stay in place until a successful
// run replaces them.
func (c *Cache) Get(cityID string) (*CityResultSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cityID]
	if !ok || c.clock.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.result, true
}

// Put stores a result set for a city, replacing any previous entry.
func (c *Cache) Put(cityID string, rs *CityResultSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cityID] = cacheEntry{result: rs, expiresAt: c.clock.Now().Add(c.ttl)}
}

// Len reports the number of unexpired entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.clock.Now()
	n := 0
	for _, e := range c.entries {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}
