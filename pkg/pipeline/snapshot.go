package pipeline

import (
	"encoding/gob"
	"fmt"
	"os"
	"time"
)

// cacheSnapshot is the serializable form of the cache.
type cacheSnapshot struct {
	SavedAt time.Time
	Entries map[string]snapshotEntry
}

type snapshotEntry struct {
	Result    *CityResultSet
	ExpiresAt time.Time
}

// SaveToFile writes the cache contents to a binary snapshot. Expired entries
// are included; expiry is re-evaluated against the clock after a load, so a
// snapshot older than the TTL loads as a cold cache.
func (c *Cache) SaveToFile(filename string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := cacheSnapshot{
		SavedAt: c.clock.Now(),
		Entries: make(map[string]snapshotEntry, len(c.entries)),
	}
	for cityID, e := range c.entries {
		snap.Entries[cityID] = snapshotEntry{Result: e.result, ExpiresAt: e.expiresAt}
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// LoadFromFile replaces the cache contents with a previously saved snapshot.
func (c *Cache) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	var snap cacheSnapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry, len(snap.Entries))
	for cityID, se := range snap.Entries {
		c.entries[cityID] = cacheEntry{result: se.Result, expiresAt: se.ExpiresAt}
	}
	return nil
}
