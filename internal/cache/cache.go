// Package cache provides a bounded in-memory cache with TTL-based
// expiration and least-recently-accessed eviction. It is the building
// block behind completion caching and any other fixed-capacity lookup
// table in the service.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Config controls cache behavior.
type Config struct {
	// MaxSize caps the number of entries. Values below 1 are clamped to 1.
	MaxSize int

	// TTL is the lifetime of an entry measured from its insertion (or most
	// recent Set). Zero disables expiration entirely.
	TTL time.Duration

	// Clock overrides the time source. Nil means time.Now. Tests inject a
	// fake clock here to drive expiry deterministically.
	Clock func() time.Time
}

type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

// Cache is a fixed-capacity key/value store. Reads and writes are O(1);
// expired entries are reaped lazily on access rather than by a background
// goroutine, so an idle cache costs nothing and dropping the value releases
// everything. Safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	items map[string]*list.Element
	// order holds *entry[V] elements, most recently accessed at the front.
	// New entries start at the front, so among never-read entries the back
	// is always the oldest insertion.
	order *list.List
}

// New creates a cache from cfg.
func New[V any](cfg Config) *Cache[V] {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		now:     now,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the value for key. An entry whose age has reached the TTL is
// removed and reported as a miss. A hit refreshes the entry's recency but
// not its insertion time.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	ent := el.Value.(*entry[V])
	if c.expired(ent) {
		c.remove(el)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Set stores value under key. An existing key has its value, insertion
// time, and recency refreshed in place. A new key inserted at capacity
// first evicts the least-recently-accessed entry, oldest insertion first
// among entries that have never been read.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[V])
		ent.value = value
		ent.insertedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	if len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	el := c.order.PushFront(&entry[V]{key: key, value: value, insertedAt: c.now()})
	c.items[key] = el
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(el)
	return true
}

// Len returns the number of live entries. Expired entries encountered
// during the count are purged, so the result reflects what Get could still
// return.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if ent := el.Value.(*entry[V]); c.expired(ent) {
			c.remove(el)
		}
		el = prev
	}
	return len(c.items)
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// MaxSize returns the configured capacity.
func (c *Cache[V]) MaxSize() int { return c.maxSize }

// Keys returns the live keys in recency order, most recently accessed
// first. Intended for diagnostics; holds the lock for the full walk.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*entry[V])
		if c.expired(ent) {
			c.remove(el)
		} else {
			keys = append(keys, ent.key)
		}
		el = next
	}
	return keys
}

func (c *Cache[V]) expired(ent *entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(ent.insertedAt) >= c.ttl
}

func (c *Cache[V]) evictOldest() {
	if el := c.order.Back(); el != nil {
		c.remove(el)
	}
}

func (c *Cache[V]) remove(el *list.Element) {
	ent := el.Value.(*entry[V])
	delete(c.items, ent.key)
	c.order.Remove(el)
}
