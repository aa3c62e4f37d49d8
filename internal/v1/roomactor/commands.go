package roomactor

import (
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/replay"
	"github.com/planningpoker/core/internal/v1/wire"
)

// command is the tagged union the actor's loop switches on (spec §9,
// "Dynamic dispatch by message type" / "Model as a tagged union"). Each
// inbound request maps to one of these typed records.
type command interface {
	isCommand()
}

// CommandResult is the reply shape for every command that doesn't need to
// return anything beyond success/failure.
type CommandResult struct {
	Err *wire.WireError
}

// RegisterParticipantCmd implements spec §4.4's RegisterParticipant.
// Capacity is resolved by the caller (AuthZ Resolver's tier-aware
// CapacityFor) so the actor stays decoupled from subscription tiers.
type RegisterParticipantCmd struct {
	Principal     *domain.Principal
	DisplayName   string
	RequestedRole domain.RoleType
	Capacity      int
	LastEventID   *uint64
	Reply         chan RegisterResult
}

func (*RegisterParticipantCmd) isCommand() {}

// RegisterResult is RegisterParticipant's reply: the assigned participant,
// a point-in-time snapshot, and any buffered events newer than the
// client's lastEventId (spec §4.3, §4.6).
type RegisterResult struct {
	ParticipantID domain.ParticipantIDType
	Role          domain.RoleType
	Snapshot      wire.RoomStatePayload
	Missed        []replay.Event
	Err           *wire.WireError
}

// LeaveCmd implements spec §4.4's Leave: an explicit, graceful departure.
type LeaveCmd struct {
	ParticipantID domain.ParticipantIDType
	Reason        string
	Reply         chan CommandResult
}

func (*LeaveCmd) isCommand() {}

// DisconnectCmd marks a participant disconnected with a grace deadline
// after an ungraceful socket close (spec §4.3); the participant is not yet
// removed, only flagged for host-migration eligibility purposes.
type DisconnectCmd struct {
	ParticipantID domain.ParticipantIDType
	Reply         chan CommandResult
}

func (*DisconnectCmd) isCommand() {}

// GraceExpiredCmd finalizes an ungraceful disconnect once its 5-minute
// grace window has elapsed without a reconnect (spec §4.3, §4.4).
type GraceExpiredCmd struct {
	ParticipantID domain.ParticipantIDType
	Reply         chan CommandResult
}

func (*GraceExpiredCmd) isCommand() {}

// StartRoundCmd implements spec §4.4's StartRound.
type StartRoundCmd struct {
	ParticipantID domain.ParticipantIDType
	StoryTitle    string
	TimerSeconds  int
	Reply         chan CommandResult
}

func (*StartRoundCmd) isCommand() {}

// CastVoteCmd implements spec §4.4's CastVote.
type CastVoteCmd struct {
	ParticipantID domain.ParticipantIDType
	CardValue     domain.CardValue
	Reply         chan CommandResult
}

func (*CastVoteCmd) isCommand() {}

// RevealCmd implements spec §4.4's Reveal.
type RevealCmd struct {
	ParticipantID domain.ParticipantIDType
	Reply         chan CommandResult
}

func (*RevealCmd) isCommand() {}

// ResetRoundCmd implements spec §4.4's ResetRound.
type ResetRoundCmd struct {
	ParticipantID domain.ParticipantIDType
	ClearVotes    bool
	Reply         chan CommandResult
}

func (*ResetRoundCmd) isCommand() {}

// ChatCmd implements spec §4.4's Chat. Per-participant rate limiting is
// enforced by the caller (ratelimit.RateLimiter.CheckChat) before this
// command is submitted, per §5's "per-participant chat bucket" ownership.
type ChatCmd struct {
	ParticipantID domain.ParticipantIDType
	Message       string
	ReplyTo       string
	Reply         chan CommandResult
}

func (*ChatCmd) isCommand() {}

// SnapshotCmd requests a read-only state snapshot without mutating
// anything, used by diagnostics and tests (spec §4.4 "Reads from elsewhere
// go through a snapshot command").
type SnapshotCmd struct {
	Reply chan wire.RoomStatePayload
}

func (*SnapshotCmd) isCommand() {}

// shutdownCmd drains the actor during graceful server shutdown (spec §5).
type shutdownCmd struct {
	message string
	done    chan struct{}
}

func (*shutdownCmd) isCommand() {}
