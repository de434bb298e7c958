package memory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Cache implements ports.Cache with an in-memory map. Expired entries are
// evicted lazily on read. This is for testing and local development.
type Cache struct {
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewCache creates an empty in-memory cache using the wall clock.
func NewCache() *Cache {
	return NewCacheWithClock(clock.New())
}

// NewCacheWithClock creates a cache with an injectable clock for tests.
func NewCacheWithClock(clk clock.Clock) *Cache {
	return &Cache{
		clock:   clk,
		entries: make(map[string]entry),
	}
}

// Get returns the stored value unless the entry is missing or expired.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if c.clock.Now().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, true, nil
}

// Set stores a copy of value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		value:     stored,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Len returns the number of live entries, counting expired but unevicted ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
