package bridge

import (
	"sync"
	"time"
)

// ttlCache is a small expiring map. Entries are checked lazily on Get and
// swept by Purge; the reaper tick calls Purge so unread entries don't pile
// up between lookups.
type ttlCache[K comparable, V any] struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[K]ttlEntry[V]

	// now is the clock, overridden in tests.
	now func() time.Time
}

type ttlEntry[V any] struct {
	value    V
	deadline time.Time
}

func newTTLCache[K comparable, V any](ttl time.Duration) *ttlCache[K, V] {
	return &ttlCache[K, V]{
		ttl: ttl,
		m:   make(map[K]ttlEntry[V]),
		now: time.Now,
	}
}

func (c *ttlCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = ttlEntry[V]{value: value, deadline: c.now().Add(c.ttl)}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.deadline) {
		delete(c.m, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take is Get plus removal, for single-use entries like dedup keys.
func (c *ttlCache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || c.now().After(e.deadline) {
		delete(c.m, key)
		var zero V
		return zero, false
	}
	delete(c.m, key)
	return e.value, true
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

// Purge drops expired entries.
func (c *ttlCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.m {
		if now.After(e.deadline) {
			delete(c.m, k)
		}
	}
}
