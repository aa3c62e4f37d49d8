package store

import (
	"context"
	"sync"

	"github.com/planningpoker/core/internal/v1/domain"
)

// MemoryStore is an in-process Store double used in roomactor and
// transport tests so they don't need a live Postgres instance, mirroring
// the same Store interface the production PostgresStore satisfies.
type MemoryStore struct {
	mu           sync.Mutex
	rooms        map[domain.RoomIDType]*domain.Room
	participants map[domain.RoomIDType]map[domain.ParticipantIDType]*domain.Participant
	rounds       map[domain.RoundIDType]*domain.Round
	roundNumbers map[domain.RoomIDType]map[int]bool
	votes        map[domain.RoundIDType]map[domain.ParticipantIDType]*domain.Vote
	history      []*domain.SessionHistorySummary
}

// NewMemoryStore builds an empty MemoryStore seeded with the given rooms.
func NewMemoryStore(rooms ...*domain.Room) *MemoryStore {
	m := &MemoryStore{
		rooms:        make(map[domain.RoomIDType]*domain.Room),
		participants: make(map[domain.RoomIDType]map[domain.ParticipantIDType]*domain.Participant),
		rounds:       make(map[domain.RoundIDType]*domain.Round),
		roundNumbers: make(map[domain.RoomIDType]map[int]bool),
		votes:        make(map[domain.RoundIDType]map[domain.ParticipantIDType]*domain.Vote),
	}
	for _, r := range rooms {
		m.rooms[r.ID] = r
	}
	return m
}

func (m *MemoryStore) LoadRoom(_ context.Context, roomID domain.RoomIDType) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpsertParticipant(_ context.Context, p *domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[p.RoomID]; !ok {
		m.participants[p.RoomID] = make(map[domain.ParticipantIDType]*domain.Participant)
	}
	cp := *p
	m.participants[p.RoomID][p.ID] = &cp
	return nil
}

func (m *MemoryStore) InsertRound(_ context.Context, r *domain.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roundNumbers[r.RoomID]; !ok {
		m.roundNumbers[r.RoomID] = make(map[int]bool)
	}
	if m.roundNumbers[r.RoomID][r.RoundNumber] {
		return ErrRoundNumberCollision
	}
	m.roundNumbers[r.RoomID][r.RoundNumber] = true
	cp := *r
	m.rounds[r.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateRound(_ context.Context, r *domain.Round, expectedPriorState domain.RoundState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.rounds[r.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.State != expectedPriorState {
		return ErrNotFound
	}
	cp := *r
	m.rounds[r.ID] = &cp
	return nil
}

func (m *MemoryStore) InsertVote(_ context.Context, v *domain.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.votes[v.RoundID]; !ok {
		m.votes[v.RoundID] = make(map[domain.ParticipantIDType]*domain.Vote)
	}
	if _, exists := m.votes[v.RoundID][v.ParticipantID]; exists {
		return ErrDuplicateVote
	}
	cp := *v
	m.votes[v.RoundID][v.ParticipantID] = &cp
	return nil
}

func (m *MemoryStore) AppendSessionHistory(_ context.Context, summary *domain.SessionHistorySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, summary)
	return nil
}

// ListParticipants returns every participant persisted for roomID.
func (m *MemoryStore) ListParticipants(_ context.Context, roomID domain.RoomIDType) ([]*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Participant
	for _, p := range m.participants[roomID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// LoadActiveRound returns the open round for roomID, or ErrNotFound if none.
func (m *MemoryStore) LoadActiveRound(_ context.Context, roomID domain.RoomIDType) (*domain.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rounds {
		if r.RoomID == roomID && r.State == domain.RoundOpen {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListVotes returns every vote cast for roundID.
func (m *MemoryStore) ListVotes(_ context.Context, roundID domain.RoundIDType) ([]*domain.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Vote
	for _, v := range m.votes[roundID] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

// MaxRoundNumber returns the highest round number recorded for roomID.
func (m *MemoryStore) MaxRoundNumber(_ context.Context, roomID domain.RoomIDType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for n, ok := range m.roundNumbers[roomID] {
		if ok && n > max {
			max = n
		}
	}
	return max, nil
}

// UpdateLastEventID checkpoints roomId's event-id counter on the seeded room.
func (m *MemoryStore) UpdateLastEventID(_ context.Context, roomID domain.RoomIDType, eventID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		r.LastEventID = eventID
	}
	return nil
}

// History returns all appended session history summaries, for assertions in tests.
func (m *MemoryStore) History() []*domain.SessionHistorySummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.SessionHistorySummary(nil), m.history...)
}
