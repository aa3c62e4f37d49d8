// Package store implements the State Store Adapter (spec §4.7): durable
// persistence for participants, rounds, votes, and session history, backed
// by Postgres via pgx/v5 with hand-written SQL (no ORM).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/metrics"
)

// ErrNotFound is returned by LoadRoom when no row matches the given id.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateVote is returned by InsertVote when a vote already exists for
// (roundId, participantId) — the Room Actor maps this to the "already
// voted" branch (4002) rather than retrying (spec §4.7, §7).
var ErrDuplicateVote = errors.New("store: duplicate vote")

// ErrRoundNumberCollision is returned by InsertRound when (roomId,
// roundNumber) already exists, signaling a lost race the actor should
// re-read and retry once (spec §7).
var ErrRoundNumberCollision = errors.New("store: round number collision")

// Store is the interface the Room Actor depends on, letting tests swap in
// an in-memory double (see memory.go) without touching Postgres.
type Store interface {
	LoadRoom(ctx context.Context, roomID domain.RoomIDType) (*domain.Room, error)
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	InsertRound(ctx context.Context, r *domain.Round) error
	UpdateRound(ctx context.Context, r *domain.Round, expectedPriorState domain.RoundState) error
	InsertVote(ctx context.Context, v *domain.Vote) error
	AppendSessionHistory(ctx context.Context, summary *domain.SessionHistorySummary) error

	// ListParticipants, LoadActiveRound, ListVotes and MaxRoundNumber let a
	// lazily reloaded Room Actor (spec §5 "lazy reload") rehydrate its
	// in-memory state from durable rows instead of starting from empty,
	// which would otherwise collide with already-persisted round numbers
	// and silently drop mid-grace-period participants and the in-flight
	// round.
	ListParticipants(ctx context.Context, roomID domain.RoomIDType) ([]*domain.Participant, error)
	LoadActiveRound(ctx context.Context, roomID domain.RoomIDType) (*domain.Round, error)
	ListVotes(ctx context.Context, roundID domain.RoundIDType) ([]*domain.Vote, error)
	MaxRoundNumber(ctx context.Context, roomID domain.RoomIDType) (int, error)

	// UpdateLastEventID checkpoints the room's monotonic event-id sequence
	// so a later reload resumes numbering instead of restarting at zero
	// (spec §4.4, §8).
	UpdateLastEventID(ctx context.Context, roomID domain.RoomIDType, eventID uint64) error
}

// PostgresStore is the production Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds a pgxpool-backed Store.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pgxpool.Pool for the health package's
// readiness check.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) observe(op string, start time.Time, err error) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, status).Inc()
}

// LoadRoom fetches a room by id, distinguishing "not found" from other
// failures (spec §4.7).
func (s *PostgresStore) LoadRoom(ctx context.Context, roomID domain.RoomIDType) (room *domain.Room, err error) {
	start := time.Now()
	defer func() { s.observe("load_room", start, err) }()

	row := s.pool.QueryRow(ctx, `
		SELECT id, title, owner_user_id, owner_org_id, privacy, created_at, last_active_at, deleted_at, last_event_id
		FROM room WHERE id = $1`, roomID)

	r := &domain.Room{}
	var deletedAt *time.Time
	scanErr := row.Scan(&r.ID, &r.Title, &r.OwnerUserID, &r.OwnerOrgID, &r.Privacy, &r.CreatedAt, &r.LastActiveAt, &deletedAt, &r.LastEventID)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to load room: %w", scanErr)
	}
	r.DeletedAt = deletedAt
	return r, nil
}

// UpsertParticipant writes or updates a participant's row.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *domain.Participant) (err error) {
	start := time.Now()
	defer func() { s.observe("upsert_participant", start, err) }()

	_, execErr := s.pool.Exec(ctx, `
		INSERT INTO room_participant (room_id, participant_id, user_id, display_name, role, connected_at, disconnected_at, grace_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id, participant_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			disconnected_at = EXCLUDED.disconnected_at,
			grace_deadline = EXCLUDED.grace_deadline
	`, p.RoomID, p.ID, p.UserID, p.DisplayName, p.Role, p.ConnectedAt, p.DisconnectedAt, p.GraceDeadline)
	if execErr != nil {
		return fmt.Errorf("failed to upsert participant: %w", execErr)
	}
	return nil
}

// ListParticipants fetches every participant row for roomID, connected or
// mid-grace-period, for a reloaded actor to rehydrate (spec §5).
func (s *PostgresStore) ListParticipants(ctx context.Context, roomID domain.RoomIDType) (participants []*domain.Participant, err error) {
	start := time.Now()
	defer func() { s.observe("list_participants", start, err) }()

	rows, queryErr := s.pool.Query(ctx, `
		SELECT room_id, participant_id, user_id, display_name, role, connected_at, disconnected_at, grace_deadline
		FROM room_participant WHERE room_id = $1`, roomID)
	if queryErr != nil {
		return nil, fmt.Errorf("failed to list participants: %w", queryErr)
	}
	defer rows.Close()

	for rows.Next() {
		p := &domain.Participant{}
		var userID *domain.UserIDType
		if scanErr := rows.Scan(&p.RoomID, &p.ID, &userID, &p.DisplayName, &p.Role, &p.ConnectedAt, &p.DisconnectedAt, &p.GraceDeadline); scanErr != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", scanErr)
		}
		if userID != nil {
			p.UserID = *userID
		}
		participants = append(participants, p)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to list participants: %w", rows.Err())
	}
	return participants, nil
}

// InsertRound creates a new round row, surfacing a round-number collision
// as a distinct error class (spec §7).
func (s *PostgresStore) InsertRound(ctx context.Context, r *domain.Round) (err error) {
	start := time.Now()
	defer func() { s.observe("insert_round", start, err) }()

	_, execErr := s.pool.Exec(ctx, `
		INSERT INTO round (round_id, room_id, round_number, story_title, started_at, state, deck_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.RoomID, r.RoundNumber, r.StoryTitle, r.StartedAt, r.State, r.DeckSnapshot)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return ErrRoundNumberCollision
		}
		return fmt.Errorf("failed to insert round: %w", execErr)
	}
	return nil
}

// LoadActiveRound fetches the room's currently open round, if any, for a
// reloaded actor to resume (spec §3: "at most one non-terminal round per
// room"). Returns ErrNotFound if no round is open.
func (s *PostgresStore) LoadActiveRound(ctx context.Context, roomID domain.RoomIDType) (round *domain.Round, err error) {
	start := time.Now()
	defer func() { s.observe("load_active_round", start, err) }()

	row := s.pool.QueryRow(ctx, `
		SELECT round_id, room_id, round_number, story_title, started_at, revealed_at,
		       average, median, consensus_reached, state, deck_snapshot
		FROM round WHERE room_id = $1 AND state = $2`, roomID, domain.RoundOpen)

	r := &domain.Round{}
	var storyTitle *string
	scanErr := row.Scan(&r.ID, &r.RoomID, &r.RoundNumber, &storyTitle, &r.StartedAt, &r.RevealedAt,
		&r.Average, &r.Median, &r.ConsensusReached, &r.State, &r.DeckSnapshot)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to load active round: %w", scanErr)
	}
	if storyTitle != nil {
		r.StoryTitle = *storyTitle
	}
	return r, nil
}

// ListVotes fetches every vote cast in roundID, for a reloaded actor to
// restore the in-flight round's tally (spec §5).
func (s *PostgresStore) ListVotes(ctx context.Context, roundID domain.RoundIDType) (votes []*domain.Vote, err error) {
	start := time.Now()
	defer func() { s.observe("list_votes", start, err) }()

	rows, queryErr := s.pool.Query(ctx, `
		SELECT round_id, participant_id, card_value, voted_at FROM vote WHERE round_id = $1`, roundID)
	if queryErr != nil {
		return nil, fmt.Errorf("failed to list votes: %w", queryErr)
	}
	defer rows.Close()

	for rows.Next() {
		v := &domain.Vote{}
		if scanErr := rows.Scan(&v.RoundID, &v.ParticipantID, &v.CardValue, &v.VotedAt); scanErr != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", scanErr)
		}
		votes = append(votes, v)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to list votes: %w", rows.Err())
	}
	return votes, nil
}

// MaxRoundNumber reports the highest round_number recorded for roomID
// across every round (open, revealed or reset), so a reloaded actor can
// resume the dense, strictly-increasing sequence (spec §3). Returns 0 for
// a room with no rounds yet.
func (s *PostgresStore) MaxRoundNumber(ctx context.Context, roomID domain.RoomIDType) (max int, err error) {
	start := time.Now()
	defer func() { s.observe("max_round_number", start, err) }()

	row := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(round_number), 0) FROM round WHERE room_id = $1`, roomID)
	if scanErr := row.Scan(&max); scanErr != nil {
		return 0, fmt.Errorf("failed to compute max round number: %w", scanErr)
	}
	return max, nil
}

// UpdateLastEventID checkpoints roomId's event-id counter (spec §4.4, §8).
func (s *PostgresStore) UpdateLastEventID(ctx context.Context, roomID domain.RoomIDType, eventID uint64) (err error) {
	start := time.Now()
	defer func() { s.observe("update_last_event_id", start, err) }()

	_, execErr := s.pool.Exec(ctx, `UPDATE room SET last_event_id = $1 WHERE id = $2`, eventID, roomID)
	if execErr != nil {
		return fmt.Errorf("failed to update last event id: %w", execErr)
	}
	return nil
}

// UpdateRound applies an optimistic-concurrency update, conditional on the
// round's prior state matching expectedPriorState (spec §4.7).
func (s *PostgresStore) UpdateRound(ctx context.Context, r *domain.Round, expectedPriorState domain.RoundState) (err error) {
	start := time.Now()
	defer func() { s.observe("update_round", start, err) }()

	tag, execErr := s.pool.Exec(ctx, `
		UPDATE round SET
			revealed_at = $1,
			average = $2,
			median = $3,
			consensus_reached = $4,
			state = $5
		WHERE round_id = $6 AND state = $7
	`, r.RevealedAt, r.Average, r.Median, r.ConsensusReached, r.State, r.ID, expectedPriorState)
	if execErr != nil {
		return fmt.Errorf("failed to update round: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("round %s was not in expected state %s", r.ID, expectedPriorState)
	}
	return nil
}

// InsertVote writes a vote, mapping a primary-key collision on
// (roundId, participantId) to ErrDuplicateVote (spec §4.7).
func (s *PostgresStore) InsertVote(ctx context.Context, v *domain.Vote) (err error) {
	start := time.Now()
	defer func() { s.observe("insert_vote", start, err) }()

	_, execErr := s.pool.Exec(ctx, `
		INSERT INTO vote (round_id, participant_id, card_value, voted_at)
		VALUES ($1, $2, $3, $4)
	`, v.RoundID, v.ParticipantID, v.CardValue, v.VotedAt)
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return ErrDuplicateVote
		}
		return fmt.Errorf("failed to insert vote: %w", execErr)
	}
	return nil
}

// AppendSessionHistory writes an append-only summary row on round reveal.
func (s *PostgresStore) AppendSessionHistory(ctx context.Context, summary *domain.SessionHistorySummary) (err error) {
	start := time.Now()
	defer func() { s.observe("append_session_history", start, err) }()

	_, execErr := s.pool.Exec(ctx, `
		INSERT INTO session_history
			(session_id, room_id, started_at, ended_at, total_rounds, total_stories, summary_stats_json, participants_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, summary.SessionID, summary.RoomID, summary.StartedAt, summary.EndedAt,
		summary.TotalRounds, summary.TotalStories, summary.SummaryStats, summary.Participants)
	if execErr != nil {
		return fmt.Errorf("failed to append session history: %w", execErr)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
