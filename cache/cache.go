// Package cache provides a small fixed-capacity cache with second-chance
// eviction.
//
// It holds GPU objects that are expensive to build but cheap to rebuild on
// a miss, such as conversion compute pipelines. Capacity is bounded so a
// pathological workload cannot accumulate pipelines without limit, and an
// eviction callback lets the owner release the backing GPU resource.
package cache

import "sync"

type slot[K comparable, V any] struct {
	key  K
	val  V
	ref  bool
	used bool
}

// Cache is a fixed-capacity generic cache. Safe for concurrent use.
//
// Eviction is clock (second chance): each hit marks the entry referenced,
// and the eviction hand skips referenced entries once before reclaiming
// them. This approximates LRU without per-access list maintenance.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	slots   []slot[K, V]
	index   map[K]int
	hand    int
	onEvict func(K, V)
}

// New creates a cache holding at most capacity entries. onEvict, if not
// nil, is called for every entry dropped by eviction or Clear. capacity
// must be positive.
func New[K comparable, V any](capacity int, onEvict func(K, V)) *Cache[K, V] {
	if capacity <= 0 {
		panic("cache: capacity must be positive")
	}
	return &Cache[K, V]{
		slots:   make([]slot[K, V], capacity),
		index:   make(map[K]int, capacity),
		onEvict: onEvict,
	}
}

// Get returns the value for key and marks it recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.slots[i].ref = true
	return c.slots[i].val, true
}

// Put inserts or replaces the value for key, evicting another entry if the
// cache is full.
func (c *Cache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[key]; ok {
		c.slots[i].val = val
		c.slots[i].ref = true
		return
	}

	i := c.victim()
	s := &c.slots[i]
	if s.used {
		delete(c.index, s.key)
		if c.onEvict != nil {
			c.onEvict(s.key, s.val)
		}
	}
	*s = slot[K, V]{key: key, val: val, used: true}
	c.index[key] = i
}

// victim advances the clock hand to the next evictable slot.
func (c *Cache[K, V]) victim() int {
	for {
		s := &c.slots[c.hand]
		if !s.used || !s.ref {
			i := c.hand
			c.hand = (c.hand + 1) % len(c.slots)
			return i
		}
		s.ref = false
		c.hand = (c.hand + 1) % len(c.slots)
	}
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Clear drops every entry, invoking the eviction callback for each.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		s := &c.slots[i]
		if s.used {
			if c.onEvict != nil {
				c.onEvict(s.key, s.val)
			}
			*s = slot[K, V]{}
		}
	}
	c.index = make(map[K]int, len(c.slots))
	c.hand = 0
}
