// ABOUTME: TTL and size bounded seen-key set for event idempotence
// ABOUTME: Also backs the one-shot association prompt per unlinked sender

package bridge

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	key     string
	addedAt time.Time
	element *list.Element
}

// SeenCache remembers keys for a TTL, bounded in size. Keys are evicted
// oldest-first when the cache is full; expired keys are swept lazily on
// access, so no background goroutine is needed.
type SeenCache struct {
	mu      sync.Mutex
	entries map[string]*seenEntry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

// NewSeenCache creates a cache with the given TTL and maximum size.
func NewSeenCache(ttl time.Duration, maxSize int) *SeenCache {
	return &SeenCache{
		entries: make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark atomically reports whether key was already seen within the
// TTL, marking it when it was not. Re-marking refreshes the TTL.
func (c *SeenCache) CheckAndMark(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(now)

	if entry, ok := c.entries[key]; ok {
		if now.Sub(entry.addedAt) < c.ttl {
			return true
		}
		entry.addedAt = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	entry := &seenEntry{key: key, addedAt: now}
	entry.element = c.order.PushBack(entry)
	c.entries[key] = entry
	return false
}

// Contains reports whether key is currently marked, without marking it.
func (c *SeenCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	return ok && time.Since(entry.addedAt) < c.ttl
}

// Len returns the number of tracked keys, expired ones included until the
// next sweep.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweepLocked drops expired entries from the front of the order list.
// Refreshes move entries to the back, so the front is always oldest.
func (c *SeenCache) sweepLocked(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*seenEntry)
		if now.Sub(entry.addedAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *SeenCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*seenEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
