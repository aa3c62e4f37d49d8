// Package domain defines the shared types and constants for the planning poker
// core: rooms, participants, rounds, votes and the events broadcast about them.
package domain

import "time"

// RoomIDType is the opaque 6-character room identifier.
type RoomIDType string

// ParticipantIDType is a stable identifier for one (connection, room) pair.
type ParticipantIDType string

// UserIDType is the opaque subject claim from the access token, empty for
// anonymous participants.
type UserIDType string

// DisplayNameType is the human-readable name shown to other participants.
type DisplayNameType string

// RoundIDType identifies one estimation cycle within a room.
type RoundIDType string

// CardValue is one raw deck entry, e.g. "5", "XL", "?".
type CardValue string

// RoleType is a participant's permission level within a room.
type RoleType string

const (
	RoleHost     RoleType = "host"
	RoleVoter    RoleType = "voter"
	RoleObserver RoleType = "observer"
)

// PrivacyMode controls who may join a room.
type PrivacyMode string

const (
	PrivacyPublic       PrivacyMode = "public"
	PrivacyInviteOnly   PrivacyMode = "invite-only"
	PrivacyOrgRestricted PrivacyMode = "org-restricted"
)

// RoundState is the lifecycle state of a Round.
type RoundState string

const (
	RoundOpen     RoundState = "open"
	RoundRevealed RoundState = "revealed"
	RoundReset    RoundState = "reset"
)

// Tier is the subscription tier carried on the access token.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierProPlus    Tier = "pro_plus"
	TierEnterprise Tier = "enterprise"
)

// RoomConfig is the subset of room configuration the core consults read-only;
// the rest of Room CRUD lives outside the core (spec.md §1).
type RoomConfig struct {
	Deck            []CardValue
	TimerSeconds    int
	ObserversAllowed bool
}

// Room is the long-lived aggregate the core treats as read-mostly: owned by
// the external REST CRUD surface, consulted here for privacy/ownership and
// updated here only for LastActiveAt.
type Room struct {
	ID           RoomIDType
	Title        string
	OwnerUserID  UserIDType
	OwnerOrgID   string
	Privacy      PrivacyMode
	Config       RoomConfig
	CreatedAt    time.Time
	LastActiveAt time.Time
	DeletedAt    *time.Time
	// LastEventID is the highest per-room event id this room's actor had
	// assigned as of its last checkpoint, letting a reloaded actor resume
	// its monotonic event-id sequence instead of restarting at zero
	// (spec §4.4, §8's strictly-increasing eventId invariant).
	LastEventID uint64
}

// Deleted reports whether the room is in its terminal, no-mutation state.
func (r *Room) Deleted() bool {
	return r != nil && r.DeletedAt != nil
}

// Participant is one connection's membership in a room.
type Participant struct {
	ID             ParticipantIDType
	RoomID         RoomIDType
	UserID         UserIDType
	DisplayName    DisplayNameType
	Role           RoleType
	Tier           Tier
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	GraceDeadline  *time.Time
}

// Connected reports whether the participant currently has a live socket.
func (p *Participant) Connected() bool {
	return p != nil && p.DisconnectedAt == nil
}

// Round is one estimation cycle.
type Round struct {
	ID               RoundIDType
	RoomID           RoomIDType
	RoundNumber      int
	StoryTitle       string
	StartedAt        time.Time
	RevealedAt       *time.Time
	ConsensusReached *bool
	Average          *float64
	Median           *float64
	Mode             *CardValue
	DeckSnapshot     []CardValue
	State            RoundState
}

// Vote is one participant's card value for one round.
type Vote struct {
	RoundID       RoundIDType
	ParticipantID ParticipantIDType
	CardValue     CardValue
	VotedAt       time.Time
}

// Stats is the aggregate computed on reveal, per spec.md §4.4.
type Stats struct {
	Average          *float64
	Median           *float64
	Mode             CardValue
	ConsensusReached bool
	Distribution     map[CardValue]int
	TotalVotes       int
}

// SessionHistorySummary is one append-only row written on reveal for the
// (out of core scope) reporting surface to later consume.
type SessionHistorySummary struct {
	SessionID      string
	RoomID         RoomIDType
	StartedAt      time.Time
	EndedAt        time.Time
	TotalRounds    int
	TotalStories   int
	SummaryStats   map[string]any
	Participants   []ParticipantIDType
}

// Principal is the resolved identity of a connecting client, produced by the
// AuthZ Resolver from a validated bearer token.
type Principal struct {
	UserID      UserIDType
	Email       string
	DisplayName string
	Tier        Tier
	OrgID       string
}
