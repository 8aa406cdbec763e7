// ABOUTME: TTL-bounded seen-cache for suppressing redelivered envelope IDs.
// ABOUTME: Used by the stream ingress so client retries are acknowledged idempotently.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and eviction-order element for a cached id.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of envelope IDs the
// stream ingress has already dispatched. Insertion order is kept in a linked
// list for O(1) eviction of the oldest id.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // ids in recency order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine periodically drops expired ids. Non-positive arguments fall back
// to a 5 minute TTL and 100k entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 100_000
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Seen atomically checks whether id was dispatched within the TTL window and
// records it if not. Returns true for duplicates. Check and mark share one
// critical section so concurrent redeliveries cannot both pass.
func (c *Cache) Seen(id string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[id]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}

	c.record(id, now)
	return false
}

// record inserts or refreshes id. Caller holds c.mu.
func (c *Cache) record(id string, now time.Time) {
	if e, ok := c.seen[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	el := c.order.PushBack(id)
	c.seen[id] = &entry{seenAt: now, element: el}
}

// evictOldest removes the oldest id. Caller holds c.mu.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}

// Len returns the number of tracked ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// cleanupLoop periodically removes expired ids until Close.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		id := el.Value.(string)
		if now.Sub(c.seen[id].seenAt) < c.ttl {
			// Recency order: everything after this element is younger.
			break
		}
		c.order.Remove(el)
		delete(c.seen, id)
		el = next
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
