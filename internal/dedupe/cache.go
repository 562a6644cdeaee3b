// ABOUTME: Thread-safe TTL cache for suppressing replayed updates.
// ABOUTME: Tracks recently handled update keys so restarts don't reprocess the backlog.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores when a key was handled and its position in the eviction order.
type entry struct {
	handledAt time.Time
	element   *list.Element
}

// Cache tracks recently handled update keys with a TTL and a size cap.
// Keys older than the TTL count as unseen again. When the cache is full
// the oldest key is evicted in O(1) via the insertion-order list.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest key at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates an update dedupe cache. A background goroutine sweeps
// expired keys once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// CheckAndMark reports whether key was already handled within the TTL,
// marking it as handled when it was not. Check and mark happen under one
// lock so two readers of the same update cannot both see "new".
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && time.Since(e.handledAt) < c.ttl {
		return true
	}

	c.mark(key)
	return false
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// mark records key as handled now. Caller must hold mu.
func (c *Cache) mark(key string) {
	now := time.Now()

	if e, exists := c.entries[key]; exists {
		e.handledAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &entry{
		handledAt: now,
		element:   elem,
	}
}

// evictOldest drops the least recently marked key. Caller must hold mu.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes every key older than the TTL.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if now.Sub(e.handledAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
