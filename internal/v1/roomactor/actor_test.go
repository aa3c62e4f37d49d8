package roomactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planningpoker/core/internal/v1/clock"
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/store"
	"github.com/planningpoker/core/internal/v1/wire"
)

func newTestRoom() *domain.Room {
	return &domain.Room{
		ID:          "ABC123",
		Title:       "Sprint Planning",
		OwnerUserID: "owner-1",
		Privacy:     domain.PrivacyPublic,
		Config: domain.RoomConfig{
			Deck:             []domain.CardValue{"1", "2", "3", "5", "8", "?"},
			TimerSeconds:     60,
			ObserversAllowed: true,
		},
	}
}

func newTestActor(t *testing.T, room *domain.Room, fake *clock.Fake) (*Actor, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore(room)
	a := New(Config{
		Room:        room,
		Store:       mem,
		Bus:         nil,
		Clock:       fake,
		Limits:      DefaultLimits(),
		IdleTimeout: time.Minute,
		GraceWindow: 5 * time.Minute,
		ReplayMax:   1024,
		ReplayAge:   5 * time.Minute,
	})
	go a.Run()
	t.Cleanup(func() {
		a.Submit(&shutdownCmd{done: make(chan struct{})})
		<-a.Done()
	})
	return a, mem
}

func register(t *testing.T, a *Actor, principal *domain.Principal, name string, role domain.RoleType) RegisterResult {
	t.Helper()
	reply := make(chan RegisterResult, 1)
	a.Submit(&RegisterParticipantCmd{
		Principal:     principal,
		DisplayName:   name,
		RequestedRole: role,
		Capacity:      1000,
		Reply:         reply,
	})
	return <-reply
}

func TestRegisterParticipant_AssignsVoterByDefault(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	result := register(t, a, nil, "Alice", "")
	require.Nil(t, result.Err)
	assert.Equal(t, domain.RoleVoter, result.Role)
	assert.NotEmpty(t, result.ParticipantID)
}

func TestRegisterParticipant_ObserverRejectedWhenNotAllowed(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	room := newTestRoom()
	room.Config.ObserversAllowed = false
	a, _ := newTestActor(t, room, fake)

	result := register(t, a, nil, "Bob", domain.RoleObserver)
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.CodeForbidden, result.Err.Code)
}

func TestRegisterParticipant_SecondHostRejectedUnlessOwner(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	room := newTestRoom()
	a, _ := newTestActor(t, room, fake)

	first := register(t, a, &domain.Principal{UserID: "owner-1"}, "Host", domain.RoleHost)
	require.Nil(t, first.Err)
	assert.Equal(t, domain.RoleHost, first.Role)

	second := register(t, a, &domain.Principal{UserID: "someone-else"}, "Intruder", domain.RoleHost)
	require.NotNil(t, second.Err)
	assert.Equal(t, wire.CodeForbidden, second.Err.Code)
}

func TestRegisterParticipant_CapacityEnforced(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	room := newTestRoom()
	a, _ := newTestActor(t, room, fake)

	reply := make(chan RegisterResult, 1)
	a.Submit(&RegisterParticipantCmd{DisplayName: "Full", RequestedRole: domain.RoleVoter, Capacity: 0, Reply: reply})
	result := <-reply
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.CodeRoomFull, result.Err.Code)
}

func TestCastVote_ObserverRejected(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	host := register(t, a, &domain.Principal{UserID: "owner-1"}, "Host", domain.RoleHost)
	observer := register(t, a, nil, "Obs", domain.RoleObserver)

	startReply := make(chan CommandResult, 1)
	a.Submit(&StartRoundCmd{ParticipantID: host.ParticipantID, StoryTitle: "Story 1", Reply: startReply})
	require.Nil(t, (<-startReply).Err)

	voteReply := make(chan CommandResult, 1)
	a.Submit(&CastVoteCmd{ParticipantID: observer.ParticipantID, CardValue: "5", Reply: voteReply})
	result := <-voteReply
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.CodeForbidden, result.Err.Code)
}

func TestCastVote_RejectsValueNotInDeck(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	host := register(t, a, &domain.Principal{UserID: "owner-1"}, "Host", domain.RoleHost)
	startReply := make(chan CommandResult, 1)
	a.Submit(&StartRoundCmd{ParticipantID: host.ParticipantID, StoryTitle: "Story 1", Reply: startReply})
	require.Nil(t, (<-startReply).Err)

	voteReply := make(chan CommandResult, 1)
	a.Submit(&CastVoteCmd{ParticipantID: host.ParticipantID, CardValue: "999", Reply: voteReply})
	result := <-voteReply
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.CodeInvalidVote, result.Err.Code)
}

func TestCastVote_DuplicateRejected(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	host := register(t, a, &domain.Principal{UserID: "owner-1"}, "Host", domain.RoleHost)
	startReply := make(chan CommandResult, 1)
	a.Submit(&StartRoundCmd{ParticipantID: host.ParticipantID, StoryTitle: "Story 1", Reply: startReply})
	require.Nil(t, (<-startReply).Err)

	first := make(chan CommandResult, 1)
	a.Submit(&CastVoteCmd{ParticipantID: host.ParticipantID, CardValue: "5", Reply: first})
	require.Nil(t, (<-first).Err)

	second := make(chan CommandResult, 1)
	a.Submit(&CastVoteCmd{ParticipantID: host.ParticipantID, CardValue: "8", Reply: second})
	result := <-second
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.CodeInvalidVote, result.Err.Code)
}

func TestReveal_HostOnlyAndRequiresVotes(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	host := register(t, a, &domain.Principal{UserID: "owner-1"}, "Host", domain.RoleHost)
	voter := register(t, a, nil, "Voter", domain.RoleVoter)

	startReply := make(chan CommandResult, 1)
	a.Submit(&StartRoundCmd{ParticipantID: host.ParticipantID, StoryTitle: "Story 1", Reply: startReply})
	require.Nil(t, (<-startReply).Err)

	// Non-host reveal rejected.
	revealByVoter := make(chan CommandResult, 1)
	a.Submit(&RevealCmd{ParticipantID: voter.ParticipantID, Reply: revealByVoter})
	result := <-revealByVoter
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.CodeForbidden, result.Err.Code)

	// Reveal with zero votes rejected.
	revealEmpty := make(chan CommandResult, 1)
	a.Submit(&RevealCmd{ParticipantID: host.ParticipantID, Reply: revealEmpty})
	result = <-revealEmpty
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.CodeInvalidState, result.Err.Code)

	voteReply := make(chan CommandResult, 1)
	a.Submit(&CastVoteCmd{ParticipantID: voter.ParticipantID, CardValue: "5", Reply: voteReply})
	require.Nil(t, (<-voteReply).Err)

	revealReply := make(chan CommandResult, 1)
	a.Submit(&RevealCmd{ParticipantID: host.ParticipantID, Reply: revealReply})
	require.Nil(t, (<-revealReply).Err)
}

func TestRegisterParticipant_ReconnectionReplaysSince(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	principal := &domain.Principal{UserID: "owner-1"}
	host := register(t, a, principal, "Host", domain.RoleHost)

	disconnectReply := make(chan CommandResult, 1)
	a.Submit(&DisconnectCmd{ParticipantID: host.ParticipantID, Reply: disconnectReply})
	require.Nil(t, (<-disconnectReply).Err)

	// While disconnected, another participant triggers a broadcast (chat).
	voter := register(t, a, nil, "Voter", domain.RoleVoter)
	chatReply := make(chan CommandResult, 1)
	a.Submit(&ChatCmd{ParticipantID: voter.ParticipantID, Message: "hello", Reply: chatReply})
	require.Nil(t, (<-chatReply).Err)

	lastEventID := uint64(0)
	reconnectReply := make(chan RegisterResult, 1)
	a.Submit(&RegisterParticipantCmd{
		Principal:     principal,
		DisplayName:   "Host",
		RequestedRole: domain.RoleHost,
		Capacity:      1000,
		LastEventID:   &lastEventID,
		Reply:         reconnectReply,
	})
	result := <-reconnectReply
	require.Nil(t, result.Err)
	assert.Equal(t, host.ParticipantID, result.ParticipantID)
	assert.NotEmpty(t, result.Missed)
}

func TestRegisterParticipant_AnonymousNeverReconnects(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	voter := register(t, a, nil, "Anon", domain.RoleVoter)

	disconnectReply := make(chan CommandResult, 1)
	a.Submit(&DisconnectCmd{ParticipantID: voter.ParticipantID, Reply: disconnectReply})
	require.Nil(t, (<-disconnectReply).Err)

	again := register(t, a, nil, "Anon", domain.RoleVoter)
	require.Nil(t, again.Err)
	assert.NotEqual(t, voter.ParticipantID, again.ParticipantID)
}

func TestHostMigration_PromotesLongestConnectedVoter(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	host := register(t, a, &domain.Principal{UserID: "owner-1"}, "Host", domain.RoleHost)

	fake.Advance(time.Second)
	earlyVoter := register(t, a, nil, "Early", domain.RoleVoter)

	fake.Advance(time.Second)
	_ = register(t, a, nil, "Late", domain.RoleVoter)

	leaveReply := make(chan CommandResult, 1)
	a.Submit(&LeaveCmd{ParticipantID: host.ParticipantID, Reason: "done", Reply: leaveReply})
	require.Nil(t, (<-leaveReply).Err)

	snapReply := make(chan wire.RoomStatePayload, 1)
	a.Submit(&SnapshotCmd{Reply: snapReply})
	snap := <-snapReply

	var promoted *wire.ParticipantView
	for i := range snap.Participants {
		if snap.Participants[i].ParticipantID == string(earlyVoter.ParticipantID) {
			promoted = &snap.Participants[i]
		}
	}
	require.NotNil(t, promoted)
	assert.Equal(t, domain.RoleHost, promoted.Role)
}

func TestIdleTimeout_UnloadsActorWhenEmpty(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	room := newTestRoom()
	mem := store.NewMemoryStore(room)

	unloaded := make(chan domain.RoomIDType, 1)
	a := New(Config{
		Room:        room,
		Store:       mem,
		Clock:       fake,
		Limits:      DefaultLimits(),
		IdleTimeout: time.Minute,
		GraceWindow: 5 * time.Minute,
		ReplayMax:   1024,
		ReplayAge:   5 * time.Minute,
		OnIdle:      func(id domain.RoomIDType) { unloaded <- id },
	})
	go a.Run()

	fake.Advance(time.Minute)

	select {
	case id := <-unloaded:
		assert.Equal(t, room.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle unload")
	}
	<-a.Done()
}

func TestChat_RejectsOversizedMessage(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	a, _ := newTestActor(t, newTestRoom(), fake)

	voter := register(t, a, nil, "Voter", domain.RoleVoter)

	oversized := make([]byte, 2001)
	for i := range oversized {
		oversized[i] = 'x'
	}

	chatReply := make(chan CommandResult, 1)
	a.Submit(&ChatCmd{ParticipantID: voter.ParticipantID, Message: string(oversized), Reply: chatReply})
	result := <-chatReply
	require.NotNil(t, result.Err)
	assert.Equal(t, wire.CodeValidationError, result.Err.Code)
}
