// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

// Package cache provides the bounded LRU primitives backing the event media
// cache: a blob cache for media payloads and a key tracker for duplicate
// message suppression.
package cache

import (
	"sync"
	"time"
)

// entry is a node in the LRU's doubly-linked list.
type entry struct {
	key       string
	value     []byte
	prev      *entry
	next      *entry
	expiresAt time.Time
}

// BlobLRU is a thread-safe Least Recently Used cache for byte payloads.
// It provides O(1) Get, Add, Remove, and eviction using a doubly-linked
// list for ordering and a hashmap for lookups.
//
// An optional OnEvict hook observes capacity evictions. Explicit Remove and
// Purge calls do not invoke the hook; eviction pressure and deliberate
// deletion are different signals to the owner.
type BlobLRU struct {
	mu sync.RWMutex

	// capacity is the maximum number of entries.
	capacity int

	// items maps keys to linked list nodes for O(1) lookup.
	items map[string]*entry

	// head and tail are sentinel nodes for the doubly-linked list.
	// head.next is the most recently used, tail.prev is the least.
	head *entry
	tail *entry

	// onEvict, when set, is called with the key of each entry removed by
	// capacity pressure. Called with the lock held; must not re-enter.
	onEvict func(key string)

	hits   int64
	misses int64
}

// NewBlobLRU creates a blob cache with the given capacity. onEvict may be
// nil.
func NewBlobLRU(capacity int, onEvict func(key string)) *BlobLRU {
	if capacity <= 0 {
		capacity = 64
	}

	c := &BlobLRU{
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
		onEvict:  onEvict,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get retrieves a payload and marks it most recently used.
func (c *BlobLRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.items[key]; exists {
		c.moveToFront(e)
		c.hits++
		return e.value, true
	}
	c.misses++
	return nil, false
}

// Contains checks for a key without updating access order.
func (c *BlobLRU) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.items[key]
	return exists
}

// Add inserts or updates a payload. If the cache is at capacity, the least
// recently used entry is evicted.
func (c *BlobLRU) Add(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.items[key]; exists {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.addToFront(e)
	c.items[key] = e

	for len(c.items) > c.capacity {
		c.evictOldest()
	}
}

// Remove deletes an entry. Returns true if it was present.
func (c *BlobLRU) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.items[key]; exists {
		c.removeEntry(e)
		return true
	}
	return false
}

// Len returns the current number of entries.
func (c *BlobLRU) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Purge removes all entries.
func (c *BlobLRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*entry, c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// RemoveFunc removes every entry whose key matches the predicate and
// returns the number removed. Used to drop all entries for an unloaded
// device.
func (c *BlobLRU) RemoveFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if match(e.key) {
			c.removeEntry(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Stats returns cache hit/miss statistics and current size.
func (c *BlobLRU) Stats() (hits, misses int64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.items)
}

// Internal methods (must be called with lock held)

func (c *BlobLRU) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *BlobLRU) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.addToFront(e)
}

func (c *BlobLRU) removeEntry(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}

func (c *BlobLRU) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
	if c.onEvict != nil {
		c.onEvict(oldest.key)
	}
}
