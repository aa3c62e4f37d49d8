// Package roomactor implements the Room Actor (spec §4.4): the single
// logical owner of one room's participants, round, votes and event
// sequence. Every mutation to a room's state is serialized through one
// goroutine reading from an inbound command channel — "one command at a
// time per room", per spec §9's design note, not "one thread total."
package roomactor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/planningpoker/core/internal/v1/bus"
	"github.com/planningpoker/core/internal/v1/clock"
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/logging"
	"github.com/planningpoker/core/internal/v1/metrics"
	"github.com/planningpoker/core/internal/v1/registry"
	"github.com/planningpoker/core/internal/v1/replay"
	"github.com/planningpoker/core/internal/v1/store"
	"github.com/planningpoker/core/internal/v1/wire"
	"go.uber.org/zap"
)

// Limits bundles the process-wide numeric limits the actor enforces that
// aren't resolved per-caller (spec §9 "Global configuration").
type Limits struct {
	ChatMinLen int
	ChatMaxLen int
}

// DefaultLimits matches spec §4.4's Chat precondition (1-2000 chars).
func DefaultLimits() Limits {
	return Limits{ChatMinLen: 1, ChatMaxLen: 2000}
}

// Actor owns one room's mutable state. Construct with New and run its
// loop with Run in its own goroutine; submit commands through Submit.
type Actor struct {
	roomID domain.RoomIDType
	store  store.Store
	busSvc *bus.Service
	reg    *registry.Registry
	clk    clock.Clock
	limits Limits

	idleTimeout time.Duration
	graceWindow time.Duration
	onIdle      func(domain.RoomIDType)

	inbox chan command
	done  chan struct{}

	replayBuf *replay.Buffer

	room            *domain.Room
	participants    map[domain.ParticipantIDType]*domain.Participant
	round           *domain.Round
	votes           map[domain.ParticipantIDType]*domain.Vote
	nextEventID     uint64
	nextRoundNumber int
	graceTimers     map[domain.ParticipantIDType]clock.Timer
	idleTimer       clock.Timer
}

// Config bundles an Actor's construction-time dependencies.
type Config struct {
	Room        *domain.Room
	Store       store.Store
	Bus         *bus.Service
	Registry    *registry.Registry
	Clock       clock.Clock
	Limits      Limits
	IdleTimeout time.Duration
	GraceWindow time.Duration
	ReplayMax   int
	ReplayAge   time.Duration
	OnIdle      func(domain.RoomIDType)

	// Rehydration fields restore a reloaded room actor's state from the
	// Store so a lazy reload (spec §5, manager.GetOrLoad) resumes rather
	// than restarts the room's lifetime: a fresh New with these left at
	// zero value still behaves like a brand-new room.
	Participants    []*domain.Participant
	ActiveRound     *domain.Round
	ActiveVotes     []*domain.Vote
	NextRoundNumber int
	NextEventID     uint64
}

// New constructs an Actor for room. Call Run to start its command loop.
func New(cfg Config) *Actor {
	a := &Actor{
		roomID:          cfg.Room.ID,
		store:           cfg.Store,
		busSvc:          cfg.Bus,
		reg:             cfg.Registry,
		clk:             cfg.Clock,
		limits:          cfg.Limits,
		idleTimeout:     cfg.IdleTimeout,
		graceWindow:     cfg.GraceWindow,
		onIdle:          cfg.OnIdle,
		inbox:           make(chan command, 64),
		done:            make(chan struct{}),
		replayBuf:       replay.NewBuffer(cfg.ReplayMax, int64(cfg.ReplayAge), cfg.Clock),
		room:            cfg.Room,
		participants:    make(map[domain.ParticipantIDType]*domain.Participant),
		round:           cfg.ActiveRound,
		votes:           make(map[domain.ParticipantIDType]*domain.Vote),
		nextEventID:     1,
		nextRoundNumber: 1,
		graceTimers:     make(map[domain.ParticipantIDType]clock.Timer),
	}
	// Event ids start at 1 so a checkpointed last_event_id of 0 (the
	// Store's zero value) is unambiguous: "no event has been assigned yet",
	// not "event 0 was already assigned". A reload resumes at
	// cfg.NextEventID, the checkpoint plus one.
	if cfg.NextEventID > 0 {
		a.nextEventID = cfg.NextEventID
	}
	if cfg.NextRoundNumber > 0 {
		a.nextRoundNumber = cfg.NextRoundNumber
	}
	for _, v := range cfg.ActiveVotes {
		cp := *v
		a.votes[v.ParticipantID] = &cp
	}
	for _, p := range cfg.Participants {
		a.rehydrateParticipant(p)
	}
	return a
}

// rehydrateParticipant restores one participant loaded from the Store into
// a freshly constructed Actor, re-arming its grace timer for the remaining
// duration if it was mid-grace-period when the prior actor unloaded, or
// dropping it immediately if the grace window already elapsed while the
// room was unloaded (spec §4.3's grace period is wall-clock, not actor
// uptime, so time spent unloaded still counts against it).
func (a *Actor) rehydrateParticipant(p *domain.Participant) {
	cp := *p
	if cp.DisconnectedAt == nil || cp.GraceDeadline == nil {
		a.participants[cp.ID] = &cp
		return
	}

	remaining := cp.GraceDeadline.Sub(a.clk.Now())
	if remaining <= 0 {
		// Grace window elapsed while the room was unloaded; treat as if
		// GraceExpiredCmd had already fired.
		return
	}
	a.participants[cp.ID] = &cp
	a.armGraceTimer(cp.ID, remaining)
}

// RoomID reports the id of the room this actor owns.
func (a *Actor) RoomID() domain.RoomIDType { return a.roomID }

// Submit enqueues cmd for processing. Blocks only if the inbox is full,
// which signals a room under extreme, sustained load.
func (a *Actor) Submit(cmd command) {
	a.inbox <- cmd
}

// Done reports a channel closed once the actor's Run loop has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Run is the actor's single-threaded command loop. It must run in its own
// goroutine and returns once a shutdownCmd is processed or the actor goes
// idle with zero participants for IdleTimeout.
func (a *Actor) Run() {
	defer close(a.done)
	a.armIdleTimer()
	defer a.stopAllTimers()

	for {
		select {
		case cmd, ok := <-a.inbox:
			if !ok {
				return
			}
			if a.dispatch(cmd) {
				return
			}
		case <-a.idleTimerFired():
			if a.connectedParticipantCount() == 0 && len(a.graceTimers) == 0 {
				logging.Info(context.Background(), "room actor unloading after idle timeout",
					zap.String("room_id", string(a.roomID)))
				if a.onIdle != nil {
					a.onIdle(a.roomID)
				}
				return
			}
			a.armIdleTimer()
		}
	}
}

// idleTimerFired returns the idle timer's channel, or a nil channel (which
// blocks forever in select) if no timer is currently armed.
func (a *Actor) idleTimerFired() <-chan time.Time {
	if a.idleTimer == nil {
		return nil
	}
	return a.idleTimer.C()
}

func (a *Actor) armIdleTimer() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimer = a.clk.NewTimer(a.idleTimeout)
}

func (a *Actor) stopAllTimers() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	for _, t := range a.graceTimers {
		t.Stop()
	}
}

// dispatch handles one command, returning true if the actor should stop.
func (a *Actor) dispatch(cmd command) bool {
	switch c := cmd.(type) {
	case *RegisterParticipantCmd:
		a.handleRegister(c)
	case *LeaveCmd:
		a.handleLeave(c)
	case *DisconnectCmd:
		a.handleDisconnect(c)
	case *GraceExpiredCmd:
		a.handleGraceExpired(c)
	case *StartRoundCmd:
		a.handleStartRound(c)
	case *CastVoteCmd:
		a.handleCastVote(c)
	case *RevealCmd:
		a.handleReveal(c)
	case *ResetRoundCmd:
		a.handleResetRound(c)
	case *ChatCmd:
		a.handleChat(c)
	case *SnapshotCmd:
		c.Reply <- a.snapshot()
	case *shutdownCmd:
		a.handleShutdown(c)
		return true
	default:
		logging.Error(context.Background(), "room actor received unknown command type",
			zap.String("room_id", string(a.roomID)))
	}
	return false
}

// --- RegisterParticipant -----------------------------------------------

func (a *Actor) handleRegister(cmd *RegisterParticipantCmd) {
	ctx := context.Background()

	if a.room.Deleted() {
		cmd.Reply <- RegisterResult{Err: wire.NewWireError(wire.CodeRoomNotFound, "room has been deleted", nil)}
		return
	}

	if reconnected := a.tryReconnect(cmd); reconnected != nil {
		cmd.Reply <- *reconnected
		return
	}

	if a.connectedParticipantCount() >= cmd.Capacity {
		cmd.Reply <- RegisterResult{Err: wire.NewWireError(wire.CodeRoomFull, "room is at capacity", nil)}
		return
	}

	role := cmd.RequestedRole
	if role == "" {
		role = domain.RoleVoter
	}
	if role == domain.RoleHost {
		isOwner := cmd.Principal != nil && cmd.Principal.UserID != "" && cmd.Principal.UserID == a.room.OwnerUserID
		if !isOwner && a.hasHost() {
			cmd.Reply <- RegisterResult{Err: wire.NewWireError(wire.CodeForbidden, "host role already held", nil)}
			return
		}
	}
	if role == domain.RoleObserver && !a.room.Config.ObserversAllowed {
		cmd.Reply <- RegisterResult{Err: wire.NewWireError(wire.CodeForbidden, "observers are not allowed in this room", nil)}
		return
	}

	participant := &domain.Participant{
		ID:          domain.ParticipantIDType(uuid.NewString()),
		RoomID:      a.roomID,
		DisplayName: domain.DisplayNameType(cmd.DisplayName),
		Role:        role,
		ConnectedAt: a.clk.Now(),
	}
	if cmd.Principal != nil {
		participant.UserID = cmd.Principal.UserID
		participant.Tier = cmd.Principal.Tier
	}
	a.participants[participant.ID] = participant

	if err := a.store.UpsertParticipant(ctx, participant); err != nil {
		logging.Warn(ctx, "failed to persist participant (non-critical)", zap.Error(err),
			zap.String("room_id", string(a.roomID)))
	}

	snapshot := a.snapshot()
	var missed []replay.Event
	if cmd.LastEventID != nil {
		missed, snapshot.FullResync = a.replayBuf.Since(*cmd.LastEventID)
	}

	cmd.Reply <- RegisterResult{
		ParticipantID: participant.ID,
		Role:          participant.Role,
		Snapshot:      snapshot,
		Missed:        missed,
	}

	metrics.RoomParticipants.WithLabelValues(string(a.roomID)).Set(float64(a.connectedParticipantCount()))
	a.broadcast(wire.TypeParticipantJoined, wire.ParticipantJoinedPayload{
		Participant: participantView(participant),
	})
}

// tryReconnect matches an ungracefully-disconnected participant by
// principal identity (spec §4.3). Anonymous principals (empty UserID)
// never match: without a persistent identity there is no reliable way to
// attribute a new socket to a prior session, so anonymous reconnects
// always start fresh.
func (a *Actor) tryReconnect(cmd *RegisterParticipantCmd) *RegisterResult {
	if cmd.Principal == nil || cmd.Principal.UserID == "" {
		return nil
	}
	for _, p := range a.participants {
		if p.DisconnectedAt == nil || p.UserID != cmd.Principal.UserID {
			continue
		}
		// Found a grace-period participant for this principal: restore it.
		if t, ok := a.graceTimers[p.ID]; ok {
			t.Stop()
			delete(a.graceTimers, p.ID)
		}
		p.DisconnectedAt = nil
		p.GraceDeadline = nil

		if err := a.store.UpsertParticipant(context.Background(), p); err != nil {
			logging.Warn(context.Background(), "failed to persist reconnect (non-critical)", zap.Error(err))
		}

		snapshot := a.snapshot()
		var missed []replay.Event
		lastEventID := uint64(0)
		if cmd.LastEventID != nil {
			lastEventID = *cmd.LastEventID
		}
		missed, snapshot.FullResync = a.replayBuf.Since(lastEventID)

		metrics.RoomParticipants.WithLabelValues(string(a.roomID)).Set(float64(a.connectedParticipantCount()))
		return &RegisterResult{
			ParticipantID: p.ID,
			Role:          p.Role,
			Snapshot:      snapshot,
			Missed:        missed,
		}
	}
	return nil
}

// --- Leave / Disconnect / GraceExpired ----------------------------------

func (a *Actor) handleLeave(cmd *LeaveCmd) {
	p, ok := a.participants[cmd.ParticipantID]
	if !ok {
		cmd.Reply <- CommandResult{}
		return
	}

	now := a.clk.Now()
	p.DisconnectedAt = &now
	delete(a.participants, cmd.ParticipantID)

	if err := a.store.UpsertParticipant(context.Background(), p); err != nil {
		logging.Warn(context.Background(), "failed to persist leave (non-critical)", zap.Error(err))
	}

	cmd.Reply <- CommandResult{}

	metrics.RoomParticipants.WithLabelValues(string(a.roomID)).Set(float64(a.connectedParticipantCount()))
	a.broadcast(wire.TypeParticipantLeft, wire.ParticipantLeftPayload{
		ParticipantID: string(cmd.ParticipantID),
		Reason:        cmd.Reason,
	})

	if p.Role == domain.RoleHost {
		a.migrateHostIfNeeded()
	}
}

func (a *Actor) handleDisconnect(cmd *DisconnectCmd) {
	p, ok := a.participants[cmd.ParticipantID]
	if !ok {
		cmd.Reply <- CommandResult{}
		return
	}

	now := a.clk.Now()
	deadline := now.Add(a.graceWindow)
	p.DisconnectedAt = &now
	p.GraceDeadline = &deadline

	if err := a.store.UpsertParticipant(context.Background(), p); err != nil {
		logging.Warn(context.Background(), "failed to persist disconnect (non-critical)", zap.Error(err))
	}

	a.armGraceTimer(cmd.ParticipantID, a.graceWindow)

	cmd.Reply <- CommandResult{}

	metrics.RoomParticipants.WithLabelValues(string(a.roomID)).Set(float64(a.connectedParticipantCount()))
	a.broadcast(wire.TypeParticipantDisconnected, wire.ParticipantDisconnectedPayload{
		ParticipantID: string(cmd.ParticipantID),
		GraceDeadline: deadline.UTC().Format(time.RFC3339),
	})
}

// armGraceTimer starts (or restarts, on rehydration) the grace-period timer
// for participantID, submitting a GraceExpiredCmd when it fires.
func (a *Actor) armGraceTimer(participantID domain.ParticipantIDType, d time.Duration) {
	timer := a.clk.NewTimer(d)
	a.graceTimers[participantID] = timer
	go func() {
		<-timer.C()
		reply := make(chan CommandResult, 1)
		a.Submit(&GraceExpiredCmd{ParticipantID: participantID, Reply: reply})
	}()
}

func (a *Actor) handleGraceExpired(cmd *GraceExpiredCmd) {
	p, ok := a.participants[cmd.ParticipantID]
	if !ok || p.DisconnectedAt == nil {
		// Already reconnected or already removed; nothing to do.
		if cmd.Reply != nil {
			cmd.Reply <- CommandResult{}
		}
		return
	}

	delete(a.graceTimers, cmd.ParticipantID)
	delete(a.participants, cmd.ParticipantID)

	if cmd.Reply != nil {
		cmd.Reply <- CommandResult{}
	}

	if p.Role == domain.RoleHost {
		a.migrateHostIfNeeded()
	}
}

// migrateHostIfNeeded promotes the longest-connected voter to host (spec
// §4.4's deterministic tie-break: ascending connectedAt, then ascending
// participantId). If no voter is connected the room goes hostless until
// one appears (spec §9's resolution of the "host is the only voter" open
// question).
func (a *Actor) migrateHostIfNeeded() {
	if a.hasHost() {
		return
	}

	var candidates []*domain.Participant
	for _, p := range a.participants {
		if p.Role == domain.RoleVoter && p.Connected() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ConnectedAt.Equal(candidates[j].ConnectedAt) {
			return candidates[i].ConnectedAt.Before(candidates[j].ConnectedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	promoted := candidates[0]
	promoted.Role = domain.RoleHost
	metrics.HostMigrations.Inc()

	if err := a.store.UpsertParticipant(context.Background(), promoted); err != nil {
		logging.Warn(context.Background(), "failed to persist host migration (non-critical)", zap.Error(err))
	}

	a.broadcast(wire.TypePresenceUpdate, wire.PresenceUpdatePayload{
		ParticipantID: string(promoted.ID),
		Role:          domain.RoleHost,
	})
}

// --- StartRound ----------------------------------------------------------

func (a *Actor) handleStartRound(cmd *StartRoundCmd) {
	ctx := context.Background()

	p, ok := a.participants[cmd.ParticipantID]
	if !ok || p.Role != domain.RoleHost {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeForbidden, "only the host may start a round", nil)}
		return
	}
	if a.round != nil && a.round.State == domain.RoundOpen {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInvalidState, "a round is already open", nil)}
		return
	}

	round, err := a.insertNewRound(ctx, cmd.StoryTitle)
	if err != nil {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInternal, "failed to start round", nil)}
		return
	}

	a.round = round
	a.votes = make(map[domain.ParticipantIDType]*domain.Vote)

	cmd.Reply <- CommandResult{}
	a.broadcast(wire.TypeRoundStarted, wire.RoundStartedPayload{Round: roundView(round)})
}

// insertNewRound allocates the next dense round number and inserts it,
// retrying once on a round-number collision (spec §7: "treated as a lost
// race; re-read round state and retry once").
func (a *Actor) insertNewRound(ctx context.Context, storyTitle string) (*domain.Round, error) {
	round := &domain.Round{
		ID:           domain.RoundIDType(uuid.NewString()),
		RoomID:       a.roomID,
		RoundNumber:  a.nextRoundNumber,
		StoryTitle:   storyTitle,
		StartedAt:    a.clk.Now(),
		DeckSnapshot: append([]domain.CardValue(nil), a.room.Config.Deck...),
		State:        domain.RoundOpen,
	}

	err := a.store.InsertRound(ctx, round)
	if err == store.ErrRoundNumberCollision {
		a.nextRoundNumber++
		round.RoundNumber = a.nextRoundNumber
		round.ID = domain.RoundIDType(uuid.NewString())
		err = a.store.InsertRound(ctx, round)
	}
	if err != nil {
		return nil, fmt.Errorf("insert round: %w", err)
	}
	a.nextRoundNumber++
	return round, nil
}

// --- CastVote -------------------------------------------------------------

func (a *Actor) handleCastVote(cmd *CastVoteCmd) {
	p, ok := a.participants[cmd.ParticipantID]
	if !ok || (p.Role != domain.RoleHost && p.Role != domain.RoleVoter) {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeForbidden, "observers cannot vote", nil)}
		return
	}
	if a.round == nil || a.round.State != domain.RoundOpen {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInvalidState, "no open round", nil)}
		return
	}
	if !deckContains(a.round.DeckSnapshot, cmd.CardValue) {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInvalidVote, "card value not in deck",
			map[string]any{"validValues": a.round.DeckSnapshot})}
		return
	}
	if _, exists := a.votes[cmd.ParticipantID]; exists {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInvalidVote, "already voted this round", nil)}
		return
	}

	vote := &domain.Vote{
		RoundID:       a.round.ID,
		ParticipantID: cmd.ParticipantID,
		CardValue:     cmd.CardValue,
		VotedAt:       a.clk.Now(),
	}
	if err := a.store.InsertVote(context.Background(), vote); err != nil {
		if err == store.ErrDuplicateVote {
			cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInvalidVote, "already voted this round", nil)}
			return
		}
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInternal, "failed to record vote", nil)}
		return
	}

	a.votes[cmd.ParticipantID] = vote
	cmd.Reply <- CommandResult{}

	metrics.VotesCast.WithLabelValues(string(a.roomID)).Inc()
	a.broadcast(wire.TypeVoteRecorded, wire.VoteRecordedPayload{
		ParticipantID: string(cmd.ParticipantID),
		CardValue:     "",
	})
}

func deckContains(deck []domain.CardValue, v domain.CardValue) bool {
	for _, c := range deck {
		if c == v {
			return true
		}
	}
	return false
}

// --- Reveal ---------------------------------------------------------------

func (a *Actor) handleReveal(cmd *RevealCmd) {
	p, ok := a.participants[cmd.ParticipantID]
	if !ok || p.Role != domain.RoleHost {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeForbidden, "only the host may reveal", nil)}
		return
	}
	if a.round == nil || a.round.State != domain.RoundOpen {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInvalidState, "no open round", nil)}
		return
	}

	votesList := make([]*domain.Vote, 0, len(a.votes))
	for _, v := range a.votes {
		votesList = append(votesList, v)
	}
	if len(votesList) == 0 {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInvalidState, "cannot reveal with zero votes", nil)}
		return
	}

	stats := computeStats(votesList, a.round.DeckSnapshot)

	updated := *a.round
	now := a.clk.Now()
	updated.RevealedAt = &now
	updated.State = domain.RoundRevealed
	updated.Average = stats.Average
	updated.Median = stats.Median
	mode := stats.Mode
	updated.Mode = &mode
	updated.ConsensusReached = &stats.ConsensusReached

	if err := a.store.UpdateRound(context.Background(), &updated, domain.RoundOpen); err != nil {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInternal, "failed to persist reveal", nil)}
		return
	}
	a.round = &updated

	cmd.Reply <- CommandResult{}

	sort.Slice(votesList, func(i, j int) bool { return votesList[i].ParticipantID < votesList[j].ParticipantID })
	votes := make([]wire.VoteView, 0, len(votesList))
	for _, v := range votesList {
		votes = append(votes, wire.VoteView{ParticipantID: string(v.ParticipantID), CardValue: string(v.CardValue)})
	}

	metrics.RoundsRevealed.WithLabelValues(string(a.roomID), fmt.Sprintf("%t", stats.ConsensusReached)).Inc()
	a.broadcast(wire.TypeRoundRevealed, wire.RoundRevealedPayload{
		RoundID: string(a.round.ID),
		Votes:   votes,
		Stats:   statsView(stats),
	})

	summary := &domain.SessionHistorySummary{
		SessionID:    string(a.round.ID),
		RoomID:       a.roomID,
		StartedAt:    a.round.StartedAt,
		EndedAt:      now,
		TotalRounds:  a.nextRoundNumber - 1,
		TotalStories: 1,
		SummaryStats: map[string]any{
			"average":          stats.Average,
			"median":           stats.Median,
			"mode":             stats.Mode,
			"consensusReached": stats.ConsensusReached,
			"totalVotes":       stats.TotalVotes,
		},
	}
	if err := a.store.AppendSessionHistory(context.Background(), summary); err != nil {
		logging.Warn(context.Background(), "failed to append session history (non-critical)", zap.Error(err))
	}
}

// --- ResetRound -----------------------------------------------------------

func (a *Actor) handleResetRound(cmd *ResetRoundCmd) {
	ctx := context.Background()

	p, ok := a.participants[cmd.ParticipantID]
	if !ok || p.Role != domain.RoleHost {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeForbidden, "only the host may reset a round", nil)}
		return
	}
	if a.round == nil {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInvalidState, "no round to reset", nil)}
		return
	}

	previousRoundID := a.round.ID
	if a.round.State == domain.RoundOpen {
		closed := *a.round
		closed.State = domain.RoundReset
		if err := a.store.UpdateRound(ctx, &closed, domain.RoundOpen); err != nil {
			logging.Warn(ctx, "failed to persist round close on reset (non-critical)", zap.Error(err))
		}
	}

	var newRoundView *wire.RoundView
	if cmd.ClearVotes {
		storyTitle := a.round.StoryTitle
		round, err := a.insertNewRound(ctx, storyTitle)
		if err != nil {
			cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeInternal, "failed to reset round", nil)}
			return
		}
		a.round = round
		a.votes = make(map[domain.ParticipantIDType]*domain.Vote)
		v := roundView(round)
		newRoundView = &v
	} else {
		a.round = nil
		a.votes = make(map[domain.ParticipantIDType]*domain.Vote)
	}

	cmd.Reply <- CommandResult{}
	a.broadcast(wire.TypeRoundReset_, wire.RoundResetBroadcastPayload{
		PreviousRoundID: string(previousRoundID),
		NewRound:        newRoundView,
	})
}

// --- Chat -------------------------------------------------------------

func (a *Actor) handleChat(cmd *ChatCmd) {
	if _, ok := a.participants[cmd.ParticipantID]; !ok {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeValidationError, "unknown participant", nil)}
		return
	}
	if len(cmd.Message) < a.limits.ChatMinLen || len(cmd.Message) > a.limits.ChatMaxLen {
		cmd.Reply <- CommandResult{Err: wire.NewWireError(wire.CodeValidationError, "message length out of bounds", nil)}
		return
	}

	cmd.Reply <- CommandResult{}
	a.broadcast(wire.TypeChatMessage, wire.ChatMessagePayload{
		ParticipantID: string(cmd.ParticipantID),
		Message:       cmd.Message,
		ReplyTo:       cmd.ReplyTo,
		SentAt:        a.clk.Now().UTC().Format(time.RFC3339),
	})
}

// --- Shutdown / Snapshot ---------------------------------------------

func (a *Actor) handleShutdown(cmd *shutdownCmd) {
	a.broadcast(wire.TypeServerClosing, wire.ServerClosingPayload{Message: cmd.message})
	if cmd.done != nil {
		close(cmd.done)
	}
}

func (a *Actor) snapshot() wire.RoomStatePayload {
	views := make([]wire.ParticipantView, 0, len(a.participants))
	for _, p := range a.participants {
		views = append(views, participantView(p))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ParticipantID < views[j].ParticipantID })

	payload := wire.RoomStatePayload{
		RoomID:       string(a.roomID),
		Participants: views,
	}
	if a.nextEventID > 0 {
		payload.LastEventID = a.nextEventID - 1
	}
	if a.round != nil {
		rv := roundView(a.round)
		payload.CurrentRound = &rv
	}
	return payload
}

// --- shared helpers --------------------------------------------------

func (a *Actor) hasHost() bool {
	for _, p := range a.participants {
		if p.Role == domain.RoleHost && p.Connected() {
			return true
		}
	}
	return false
}

func (a *Actor) connectedParticipantCount() int {
	n := 0
	for _, p := range a.participants {
		if p.Connected() {
			n++
		}
	}
	return n
}

// broadcast assigns the next event id, records it in the replay buffer,
// delivers it to every locally attached connection, and additionally
// publishes it to the bus for other nodes (best-effort; publish failures
// are logged, not propagated, per spec §4.5's fire-and-forget contract).
// Local delivery never depends on the bus being configured or reachable
// (spec §4.5, §5): a single-node, Redis-disabled deployment must still
// deliver every event to its own connections.
func (a *Actor) broadcast(msgType string, payload any) {
	eventID := a.nextEventID
	a.nextEventID++

	raw, werr := wire.EncodeEvent(msgType, eventID, payload)
	if werr != nil {
		logging.Error(context.Background(), "failed to encode broadcast event", zap.String("type", msgType), zap.Error(werr))
		return
	}

	a.replayBuf.Append(replay.Event{
		EventID:     eventID,
		Type:        msgType,
		Envelope:    raw,
		PublishedAt: a.clk.Now().UnixNano(),
	})

	if a.reg != nil {
		a.reg.Publish(a.roomID, raw)
	}

	if err := a.store.UpdateLastEventID(context.Background(), a.roomID, eventID); err != nil {
		logging.Warn(context.Background(), "failed to checkpoint last event id (non-critical)", zap.Error(err))
	}

	if a.busSvc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.busSvc.Publish(ctx, string(a.roomID), bus.Message{EventID: eventID, Envelope: raw}); err != nil {
		logging.Warn(ctx, "failed to publish event to bus (best-effort)", zap.Error(err), zap.String("type", msgType))
	}
}

func participantView(p *domain.Participant) wire.ParticipantView {
	return wire.ParticipantView{
		ParticipantID: string(p.ID),
		DisplayName:   string(p.DisplayName),
		Role:          p.Role,
		Connected:     p.Connected(),
	}
}

func roundView(r *domain.Round) wire.RoundView {
	return wire.RoundView{
		RoundID:      string(r.ID),
		RoundNumber:  r.RoundNumber,
		StoryTitle:   r.StoryTitle,
		State:        r.State,
		DeckSnapshot: r.DeckSnapshot,
	}
}

func statsView(s domain.Stats) wire.StatsView {
	dist := make(map[string]int, len(s.Distribution))
	for k, v := range s.Distribution {
		dist[string(k)] = v
	}
	return wire.StatsView{
		Average:          s.Average,
		Median:           s.Median,
		Mode:             string(s.Mode),
		ConsensusReached: s.ConsensusReached,
		Distribution:     dist,
		TotalVotes:       s.TotalVotes,
	}
}
