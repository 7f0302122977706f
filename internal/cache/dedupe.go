// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package cache

import (
	"sync"
	"time"
)

// DedupeTracker records recently seen keys with a TTL and bounded capacity.
// The transport uses it to suppress redelivered push messages before they
// reach the aggregator.
type DedupeTracker struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*entry
	head     *entry
	tail     *entry
}

// NewDedupeTracker creates a tracker holding at most capacity keys, each
// remembered for ttl.
func NewDedupeTracker(capacity int, ttl time.Duration) *DedupeTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	d := &DedupeTracker{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
	}
	d.head.next = d.tail
	d.tail.prev = d.head
	return d
}

// Seen reports whether the key was recorded within the TTL. If not, the key
// is recorded now. The oldest key is dropped when capacity is exceeded.
func (d *DedupeTracker) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	if e, exists := d.items[key]; exists {
		if now.Before(e.expiresAt) {
			return true
		}
		d.unlink(e)
	}

	e := &entry{key: key, expiresAt: now.Add(d.ttl)}
	e.prev = d.head
	e.next = d.head.next
	d.head.next.prev = e
	d.head.next = e
	d.items[key] = e

	for len(d.items) > d.capacity {
		oldest := d.tail.prev
		if oldest == d.head {
			break
		}
		d.unlink(oldest)
	}
	return false
}

// Contains reports whether the key was recorded within the TTL, without
// recording it. Use with Mark when the record must wait for downstream
// success, so a retried message is not suppressed by its own failed attempt.
func (d *DedupeTracker) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, exists := d.items[key]
	return exists && time.Now().Before(e.expiresAt)
}

// Mark records the key now.
func (d *DedupeTracker) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, exists := d.items[key]; exists {
		d.unlink(e)
	}
	e := &entry{key: key, expiresAt: time.Now().Add(d.ttl)}
	e.prev = d.head
	e.next = d.head.next
	d.head.next.prev = e
	d.head.next = e
	d.items[key] = e

	for len(d.items) > d.capacity {
		oldest := d.tail.prev
		if oldest == d.head {
			break
		}
		d.unlink(oldest)
	}
}

// Len returns the number of tracked keys, including expired ones not yet
// reclaimed.
func (d *DedupeTracker) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeTracker) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(d.items, e.key)
}
