// ABOUTME: Thread-safe TTL cache with bounded size and per-entry expiry.
// ABOUTME: Backs idempotent credential issuance so repeated requests return the same value.

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, its expiry and its list element.
type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited map. Entries expire individually;
// when full, the oldest inserted entry is evicted in O(1) using a
// doubly-linked list in insertion order.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache whose entries live for ttl unless stored with PutUntil.
// A background goroutine periodically removes expired entries; call Close
// to stop it.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !c.now().Before(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Put stores value under key for the cache's default TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.PutUntil(key, value, c.now().Add(c.ttl))
}

// PutUntil stores value under key until expiresAt.
func (c *Cache[V]) PutUntil(key string, value V, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToBack(entry.element)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{
		value:     value,
		expiresAt: expiresAt,
		element:   elem,
	}
}

// GetOrCreate returns the cached value for key, or calls create and caches
// its result until the returned expiry. The lock is held across create so
// concurrent callers for the same key see a single creation.
func (c *Cache[V]) GetOrCreate(key string, create func() (V, time.Time, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	value, expiresAt, err := create()
	if err != nil {
		var zero V
		return zero, err
	}

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToBack(entry.element)
		return value, nil
	}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{value: value, expiresAt: expiresAt, element: elem}
	return value, nil
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
