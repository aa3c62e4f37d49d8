package roomactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/planningpoker/core/internal/v1/bus"
	"github.com/planningpoker/core/internal/v1/clock"
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/logging"
	"github.com/planningpoker/core/internal/v1/metrics"
	"github.com/planningpoker/core/internal/v1/registry"
	"github.com/planningpoker/core/internal/v1/store"
	"go.uber.org/zap"
)

// Manager lazily loads one Actor per active room and unloads it once the
// actor reports itself idle (spec §5: "the next command for that room
// triggers a lazy reload").
type Manager struct {
	mu     sync.Mutex
	actors map[domain.RoomIDType]*Actor

	store  store.Store
	busSvc *bus.Service
	reg    *registry.Registry
	clk    clock.Clock
	limits Limits

	idleTimeout time.Duration
	graceWindow time.Duration
	replayMax   int
	replayAge   time.Duration
}

// ManagerConfig bundles the shared, process-wide knobs every lazily
// created Actor is constructed with.
type ManagerConfig struct {
	Store       store.Store
	Bus         *bus.Service
	Registry    *registry.Registry
	Clock       clock.Clock
	Limits      Limits
	IdleTimeout time.Duration
	GraceWindow time.Duration
	ReplayMax   int
	ReplayAge   time.Duration
}

// NewManager builds a Manager with no actors loaded.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		actors:      make(map[domain.RoomIDType]*Actor),
		store:       cfg.Store,
		busSvc:      cfg.Bus,
		reg:         cfg.Registry,
		clk:         cfg.Clock,
		limits:      cfg.Limits,
		idleTimeout: cfg.IdleTimeout,
		graceWindow: cfg.GraceWindow,
		replayMax:   cfg.ReplayMax,
		replayAge:   cfg.ReplayAge,
	}
}

// GetOrLoad returns the running Actor for roomID, loading the room from
// the store and starting a fresh actor goroutine if none is currently
// resident (spec §5 "lazy reload").
func (m *Manager) GetOrLoad(ctx context.Context, roomID domain.RoomIDType) (*Actor, error) {
	m.mu.Lock()
	if a, ok := m.actors[roomID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	room, err := m.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}

	// Rehydrate everything an actor needs to resume the room's true
	// lifetime rather than restart it (spec §5's lazy reload, §8's
	// strictly-increasing eventId invariant): participants (including
	// anyone still mid-grace-period), the active round and its votes if
	// one was open, and the dense round-number / event-id counters.
	participants, err := m.store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants for room %s: %w", roomID, err)
	}
	activeRound, err := m.store.LoadActiveRound(ctx, roomID)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("load active round for room %s: %w", roomID, err)
	}
	var activeVotes []*domain.Vote
	if activeRound != nil {
		activeVotes, err = m.store.ListVotes(ctx, activeRound.ID)
		if err != nil {
			return nil, fmt.Errorf("list votes for round %s: %w", activeRound.ID, err)
		}
	}
	maxRoundNumber, err := m.store.MaxRoundNumber(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("max round number for room %s: %w", roomID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check: another goroutine may have loaded it while we were
	// fetching from the store.
	if a, ok := m.actors[roomID]; ok {
		return a, nil
	}

	a := New(Config{
		Room:            room,
		Store:           m.store,
		Bus:             m.busSvc,
		Registry:        m.reg,
		Clock:           m.clk,
		Limits:          m.limits,
		IdleTimeout:     m.idleTimeout,
		GraceWindow:     m.graceWindow,
		ReplayMax:       m.replayMax,
		ReplayAge:       m.replayAge,
		OnIdle:          m.unload,
		Participants:    participants,
		ActiveRound:     activeRound,
		ActiveVotes:     activeVotes,
		NextRoundNumber: maxRoundNumber + 1,
		// room.LastEventID is the last event id actually assigned (0 if
		// none yet); resume one past it so ids stay strictly increasing
		// across the reload (see New's doc comment on event id numbering).
		NextEventID: room.LastEventID + 1,
	})
	m.actors[roomID] = a
	metrics.ActiveRooms.Inc()

	go a.Run()
	return a, nil
}

// Peek returns the actor currently resident for roomID without loading
// one, for diagnostics.
func (m *Manager) Peek(roomID domain.RoomIDType) (*Actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[roomID]
	return a, ok
}

func (m *Manager) unload(roomID domain.RoomIDType) {
	m.mu.Lock()
	delete(m.actors, roomID)
	m.mu.Unlock()
	metrics.ActiveRooms.Dec()
}

// ShutdownAll broadcasts a server-closing message on every loaded room and
// waits up to drain for each actor to finish processing it (spec §5's
// graceful-shutdown drain).
func (m *Manager) ShutdownAll(drain time.Duration) {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			done := make(chan struct{})
			a.Submit(&shutdownCmd{message: "server shutting down", done: done})
			select {
			case <-done:
			case <-time.After(drain):
				logging.Warn(context.Background(), "room actor did not acknowledge shutdown within drain window",
					zap.String("room_id", string(a.RoomID())))
			}
		}(a)
	}
	wg.Wait()
}
