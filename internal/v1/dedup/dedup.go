// Package dedup implements the per-connection request-id dedup cache used
// to make command resubmission idempotent (spec §4.4, §5, §8).
package dedup

import (
	"container/list"
	"sync"

	"github.com/planningpoker/core/internal/v1/clock"
)

// Result is whatever the Room Actor returned for a previously applied
// command, cached so a resubmission of the same requestId within the TTL
// window replays it instead of re-executing the command.
type Result struct {
	Envelope []byte
	WireErr  error
}

type entry struct {
	key       string
	result    Result
	expiresAt int64 // unix nanos
}

// Cache is a bounded, strict-LRU cache of requestId -> Result, scoped to a
// single connection. Capacity and TTL are fixed at construction time.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      int64 // nanoseconds
	clock    clock.Clock
	ll       *list.List
	items    map[string]*list.Element
}

// NewCache builds a Cache with the given capacity and TTL, using clk to
// determine expiry so tests can drive it deterministically.
func NewCache(capacity int, ttlNanos int64, clk clock.Clock) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      ttlNanos,
		clock:    clk,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached Result for requestId, if present and not expired.
// A hit refreshes the entry's LRU position.
func (c *Cache) Get(requestID string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[requestID]
	if !ok {
		return Result{}, false
	}
	e := el.Value.(*entry)
	if c.clock.Now().UnixNano() > e.expiresAt {
		c.removeElement(el)
		return Result{}, false
	}
	c.ll.MoveToFront(el)
	return e.result, true
}

// Put stores a Result for requestId, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *Cache) Put(requestID string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[requestID]; ok {
		e := el.Value.(*entry)
		e.result = result
		e.expiresAt = c.clock.Now().UnixNano() + c.ttl
		c.ll.MoveToFront(el)
		return
	}

	e := &entry{
		key:       requestID,
		result:    result,
		expiresAt: c.clock.Now().UnixNano() + c.ttl,
	}
	el := c.ll.PushFront(e)
	c.items[requestID] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Len reports the current number of entries, including expired-but-not-yet-evicted ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	e := el.Value.(*entry)
	delete(c.items, e.key)
}
