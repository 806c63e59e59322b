// Package cache holds query results keyed by their filters. Entries carry
// the time they were computed and expire after a TTL; Invalidate drops
// everything once a new aggregation run has committed.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry is a cached value and the time it was computed.
type Entry[V any] struct {
	Value      V
	ComputedAt time.Time
}

// TTLCache is a concurrency-safe map with per-entry expiry.
type TTLCache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]Entry[V]
	ttl        time.Duration
	now        func() time.Time
	generation uint64
}

// New creates a cache whose entries live for ttl. A non-positive ttl
// disables expiry; entries then live until Invalidate.
func New[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		entries: make(map[K]Entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *TTLCache[K, V]) WithClock(now func() time.Time) *TTLCache[K, V] {
	c.now = now
	return c
}

// Get returns a live entry for key.
func (c *TTLCache[K, V]) Get(key K) (Entry[V], bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry[V]{}, false
	}
	if c.ttl > 0 && c.now().Sub(e.ComputedAt) >= c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Entry[V]{}, false
	}
	return e, true
}

// Set stores value under key, stamped with the current time.
func (c *TTLCache[K, V]) Set(key K, value V) Entry[V] {
	e := Entry[V]{Value: value, ComputedAt: c.now()}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e
}

// GetOrLoad returns the cached entry or computes, stores and returns a new
// one. A load that races with Invalidate is returned but not stored.
func (c *TTLCache[K, V]) GetOrLoad(key K, load func() (V, error)) (Entry[V], error) {
	if e, ok := c.Get(key); ok {
		return e, nil
	}
	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	v, err := load()
	if err != nil {
		return Entry[V]{}, err
	}
	e := Entry[V]{Value: v, ComputedAt: c.now()}
	c.mu.Lock()
	if c.generation == gen {
		c.entries[key] = e
	}
	c.mu.Unlock()
	return e, nil
}

// Invalidate drops every entry.
func (c *TTLCache[K, V]) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[K]Entry[V])
	c.generation++
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Key renders a filter struct into a stable cache key. Times are rendered
// as RFC 3339, so monotonic clock readings never split a key.
func Key(kind string, filter any) string {
	b, err := json.Marshal(filter)
	if err != nil {
		return fmt.Sprintf("%s:%+v", kind, filter)
	}
	return kind + ":" + string(b)
}
