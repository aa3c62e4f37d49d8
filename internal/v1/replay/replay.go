// Package replay implements the per-room ring buffer of recently published
// events used to serve reconnecting participants without touching the
// State Store (spec §4.6).
package replay

import (
	"sync"

	"github.com/planningpoker/core/internal/v1/clock"
)

// Event is a recorded broadcast, keyed by its monotonic per-room event id.
type Event struct {
	EventID     uint64
	Type        string
	Envelope    []byte
	PublishedAt int64 // unix nanos, per the buffer's clock
}

// Buffer retains the most recent events for one room, bounded by both a
// maximum count and a maximum age; whichever bound is tighter wins.
type Buffer struct {
	mu         sync.Mutex
	maxEvents  int
	maxAge     int64 // nanoseconds
	clock      clock.Clock
	events     []Event // ring, oldest first
	floorID    uint64  // eventId of the oldest retained event; valid only when hasFloor is set
	hasFloor   bool
}

// NewBuffer builds a Buffer with the given bounds.
func NewBuffer(maxEvents int, maxAgeNanos int64, clk clock.Clock) *Buffer {
	return &Buffer{
		maxEvents: maxEvents,
		maxAge:    maxAgeNanos,
		clock:     clk,
	}
}

// Append records a newly published event and evicts anything now out of
// bounds (count or age).
func (b *Buffer) Append(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, e)
	b.evictLocked()
}

func (b *Buffer) evictLocked() {
	now := b.clock.Now().UnixNano()

	cutoff := 0
	for cutoff < len(b.events) && now-b.events[cutoff].PublishedAt > b.maxAge {
		cutoff++
	}
	if len(b.events)-cutoff > b.maxEvents {
		cutoff = len(b.events) - b.maxEvents
	}
	if cutoff > 0 {
		b.events = b.events[cutoff:]
	}
	if len(b.events) > 0 {
		b.floorID = b.events[0].EventID
		b.hasFloor = true
	}
}

// Since returns every retained event with EventID > lastEventID, in
// ascending order, plus a fullResync flag that is true when lastEventID is
// older than the buffer's current floor (the caller must discard local
// state and rely solely on the accompanying snapshot).
func (b *Buffer) Since(lastEventID uint64) (events []Event, fullResync bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked()

	// A gap exists if the client's last-seen id predates the floor by more
	// than one — meaning at least one event between them was evicted.
	if b.hasFloor && b.floorID > 0 && lastEventID < b.floorID-1 {
		fullResync = true
	}

	for _, e := range b.events {
		if e.EventID > lastEventID {
			events = append(events, e)
		}
	}
	return events, fullResync
}

// Len reports the current number of retained events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
