package wire

import "github.com/planningpoker/core/internal/v1/domain"

// Client-to-server payloads.

type RoomJoinPayload struct {
	DisplayName string          `json:"displayName"`
	Role        domain.RoleType `json:"role,omitempty"`
	LastEventID *uint64         `json:"lastEventId,omitempty"`
}

type RoundStartPayload struct {
	StoryTitle   string `json:"storyTitle,omitempty"`
	TimerSeconds int    `json:"timerSeconds,omitempty"`
}

type VoteCastPayload struct {
	CardValue string `json:"cardValue"`
}

type RoundResetPayload struct {
	ClearVotes bool `json:"clearVotes"`
}

type ChatSendPayload struct {
	Message string `json:"message"`
	ReplyTo string `json:"replyTo,omitempty"`
}

type HeartbeatPayload struct{}

type LeaveRoomPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Server-to-client payloads.

type ParticipantView struct {
	ParticipantID string          `json:"participantId"`
	DisplayName   string          `json:"displayName"`
	Role          domain.RoleType `json:"role"`
	Connected     bool            `json:"connected"`
}

type RoundView struct {
	RoundID      string              `json:"roundId"`
	RoundNumber  int                 `json:"roundNumber"`
	StoryTitle   string              `json:"storyTitle,omitempty"`
	State        domain.RoundState   `json:"state"`
	DeckSnapshot []domain.CardValue  `json:"deckSnapshot"`
}

type RoomStatePayload struct {
	RoomID       string             `json:"roomId"`
	Participants []ParticipantView  `json:"participants"`
	CurrentRound *RoundView         `json:"currentRound,omitempty"`
	LastEventID  uint64             `json:"lastEventId"`
	FullResync   bool               `json:"fullResync,omitempty"`
}

type ParticipantJoinedPayload struct {
	Participant ParticipantView `json:"participant"`
}

type ParticipantLeftPayload struct {
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

type ParticipantDisconnectedPayload struct {
	ParticipantID string `json:"participantId"`
	GraceDeadline string `json:"graceDeadline"`
}

type RoundStartedPayload struct {
	Round RoundView `json:"round"`
}

type VoteRecordedPayload struct {
	ParticipantID string `json:"participantId"`
	// CardValue is intentionally always empty on this broadcast; the value
	// only appears in RoundRevealedPayload, per spec §8's invariant.
	CardValue string `json:"cardValue"`
}

type VoteView struct {
	ParticipantID string `json:"participantId"`
	CardValue     string `json:"cardValue"`
}

type StatsView struct {
	Average          *float64       `json:"average"`
	Median           *float64       `json:"median"`
	Mode             string         `json:"mode"`
	ConsensusReached bool           `json:"consensusReached"`
	Distribution     map[string]int `json:"distribution"`
	TotalVotes       int            `json:"totalVotes"`
}

type RoundRevealedPayload struct {
	RoundID string    `json:"roundId"`
	Votes   []VoteView `json:"votes"`
	Stats   StatsView  `json:"stats"`
}

type RoundResetBroadcastPayload struct {
	PreviousRoundID string     `json:"previousRoundId"`
	NewRound        *RoundView `json:"newRound,omitempty"`
}

type ChatMessagePayload struct {
	ParticipantID string `json:"participantId"`
	Message       string `json:"message"`
	ReplyTo       string `json:"replyTo,omitempty"`
	SentAt        string `json:"sentAt"`
}

type PresenceUpdatePayload struct {
	ParticipantID string          `json:"participantId"`
	Role          domain.RoleType `json:"role"`
}

type ServerClosingPayload struct {
	Message string `json:"message"`
}
