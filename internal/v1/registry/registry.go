// Package registry implements the Connection Registry (spec §4.5, §5): a
// mapping roomId -> set of local Connection Sessions, driving the Event
// Bus Adapter's subscribe/unsubscribe lifecycle on first-join/last-leave
// so every local session gets room-scoped broadcasts in the order the
// broker delivered them.
package registry

import (
	"context"
	"sync"

	"github.com/planningpoker/core/internal/v1/bus"
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/logging"
	"go.uber.org/zap"
)

// Dispatcher receives the raw wire-encoded envelope bytes for every event
// published on a room this connection is attached to. Implemented by the
// Connection Session so the registry never depends on the session package
// (avoiding an import cycle: session depends on registry, not vice versa).
type Dispatcher interface {
	Deliver(envelope []byte)
}

// Registry tracks the local fan-out set for every room with at least one
// attached connection on this node.
type Registry struct {
	mu  sync.Mutex
	bus *bus.Service
	// sessions maps roomId -> connectionId -> Dispatcher. Keying by
	// connectionId (rather than a slice) makes Remove O(1), per spec §5
	// "additions/removals O(1)".
	sessions map[domain.RoomIDType]map[string]Dispatcher
}

// New builds a Registry that drives subscribe/unsubscribe through busSvc.
func New(busSvc *bus.Service) *Registry {
	return &Registry{
		bus:      busSvc,
		sessions: make(map[domain.RoomIDType]map[string]Dispatcher),
	}
}

// Attach registers d as a recipient of roomId's broadcasts. Local delivery
// for this room never depends on the bus: the Room Actor calls Publish
// directly for every broadcast (spec §4.5 treats the bus as fan-out to
// *other* nodes, not the only delivery path on the publishing node). If
// this is the first local connection for roomId, the registry additionally
// subscribes to the bus so broadcasts published by other nodes also reach
// it; messages this node published and sees echoed back by the broker are
// skipped since Publish already delivered them.
func (r *Registry) Attach(ctx context.Context, roomID domain.RoomIDType, connectionID string, d Dispatcher) {
	r.mu.Lock()
	set, exists := r.sessions[roomID]
	if !exists {
		set = make(map[string]Dispatcher)
		r.sessions[roomID] = set
	}
	set[connectionID] = d
	firstJoin := !exists
	r.mu.Unlock()

	if firstJoin && r.bus != nil {
		r.bus.Subscribe(ctx, string(roomID), func(msg bus.Message) {
			if msg.Origin != "" && msg.Origin == r.bus.NodeID() {
				return
			}
			r.fanOut(roomID, msg.Envelope)
		})
		logging.Info(ctx, "subscribed to room channel", zap.String("room_id", string(roomID)))
	}
}

// Publish delivers envelope to every local dispatcher attached to roomID
// unconditionally, whether or not a bus is configured (spec §4.5, §5: the
// bus is additional cross-node fan-out, never a prerequisite for
// already-connected participants on the publishing node to see an event).
func (r *Registry) Publish(roomID domain.RoomIDType, envelope []byte) {
	r.fanOut(roomID, envelope)
}

// Detach removes connectionID from roomId's recipient set. If it was the
// last connection for that room, the registry unsubscribes from the bus.
func (r *Registry) Detach(roomID domain.RoomIDType, connectionID string) {
	r.mu.Lock()
	set, ok := r.sessions[roomID]
	if ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.sessions, roomID)
		}
	}
	lastLeave := ok && len(set) == 0
	r.mu.Unlock()

	if lastLeave && r.bus != nil {
		r.bus.Unsubscribe(string(roomID))
		logging.Info(context.Background(), "unsubscribed from room channel", zap.String("room_id", string(roomID)))
	}
}

// fanOut delivers envelope to every local dispatcher attached to roomID,
// in the order the bus handed it to us (spec §5 "sessions MUST NOT
// reorder").
func (r *Registry) fanOut(roomID domain.RoomIDType, envelope []byte) {
	r.mu.Lock()
	set := r.sessions[roomID]
	targets := make([]Dispatcher, 0, len(set))
	for _, d := range set {
		targets = append(targets, d)
	}
	r.mu.Unlock()

	for _, d := range targets {
		d.Deliver(envelope)
	}
}

// RoomCount reports the number of distinct rooms with at least one
// attached local connection, for diagnostics and tests.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// LocalCount reports the number of local connections attached to roomID.
func (r *Registry) LocalCount(roomID domain.RoomIDType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[roomID])
}
