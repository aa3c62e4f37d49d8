package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planningpoker/core/internal/v1/clock"
	"github.com/planningpoker/core/internal/v1/config"
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/ratelimit"
	"github.com/planningpoker/core/internal/v1/registry"
	"github.com/planningpoker/core/internal/v1/roomactor"
	"github.com/planningpoker/core/internal/v1/store"
	"github.com/planningpoker/core/internal/v1/wire"
)

// fakeConn is an in-memory double for the Conn interface, letting these
// tests drive Session.Run without a real socket. Inbound frames are fed
// through Feed; outbound frames are captured and readable via Outbound.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound [][]byte
	closed   bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) Feed(msgType string, requestID string, payload any) {
	raw, werr := wire.Encode(msgType, requestID, payload)
	if werr != nil {
		panic(werr)
	}
	c.inbound <- raw
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.outbound = append(c.outbound, cp)
	return nil
}

func (c *fakeConn) WriteClose(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) messagesOfType(msgType string) []*wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.Envelope
	for _, raw := range c.outbound {
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Type == msgType {
			out = append(out, &env)
		}
	}
	return out
}

func newTestRateLimiter(t *testing.T) *ratelimit.RateLimiter {
	t.Helper()
	rl, err := ratelimit.NewRateLimiter(&config.Config{
		MessageRateLimit: "100-M",
		ChatRateLimit:    "10-30S",
	}, nil)
	require.NoError(t, err)
	return rl
}

func newTestRoom() *domain.Room {
	return &domain.Room{
		ID:          "ROOM01",
		Title:       "Sprint Planning",
		OwnerUserID: "owner-1",
		Privacy:     domain.PrivacyPublic,
		Config: domain.RoomConfig{
			Deck:             []domain.CardValue{"1", "2", "3", "5", "8", "?"},
			ObserversAllowed: true,
		},
	}
}

// newTestSession wires a Session to a real Actor (no bus: broadcasts are
// recorded in the replay buffer but not fanned out, matching how these
// unit tests only assert on a session's direct replies to its own requests).
func newTestSession(t *testing.T, fake *clock.Fake, conn *fakeConn) (*Session, *roomactor.Actor) {
	t.Helper()
	room := newTestRoom()
	mem := store.NewMemoryStore(room)
	actor := roomactor.New(roomactor.Config{
		Room:        room,
		Store:       mem,
		Bus:         nil,
		Clock:       fake,
		Limits:      roomactor.DefaultLimits(),
		IdleTimeout: time.Minute,
		GraceWindow: 5 * time.Minute,
		ReplayMax:   1024,
		ReplayAge:   5 * time.Minute,
	})
	go actor.Run()

	reg := registry.New(nil)
	sess := New(Config{
		Conn:      conn,
		RoomID:    room.ID,
		Principal: &domain.Principal{UserID: "owner-1"},
		Actor:     actor,
		Registry:  reg,
		Clock:     fake,
		Timers:    Timers{JoinDeadline: 10 * time.Second, HeartbeatTimeout: 60 * time.Second},
		RateLimit: newTestRateLimiter(t),
		Capacity:  1000,
	})
	return sess, actor
}

func TestSession_JoinReceivesRoomState(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	sess, _ := newTestSession(t, fake, conn)

	conn.Feed(wire.TypeRoomJoin, "req-1", wire.RoomJoinPayload{DisplayName: "Carol", Role: domain.RoleHost})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	waitForOutbound(t, conn, wire.TypeRoomState)
	cancel()
	conn.Close()
	<-done
}

func TestSession_ObserverVoteRejectedByAuthz(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	sess, _ := newTestSession(t, fake, conn)

	conn.Feed(wire.TypeRoomJoin, "req-1", wire.RoomJoinPayload{DisplayName: "Dave", Role: domain.RoleObserver})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()
	waitForOutbound(t, conn, wire.TypeRoomState)

	conn.Feed(wire.TypeVoteCast, "req-2", wire.VoteCastPayload{CardValue: "5"})
	errs := waitForOutbound(t, conn, wire.TypeError)
	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Payload, &payload))
	assert.Equal(t, wire.CodeForbidden, payload.Code)

	cancel()
	conn.Close()
	<-done
}

func TestSession_DuplicateRequestIDDoesNotDoubleApply(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	sess, actor := newTestSession(t, fake, conn)

	conn.Feed(wire.TypeRoomJoin, "req-1", wire.RoomJoinPayload{DisplayName: "Carol", Role: domain.RoleHost})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()
	waitForOutbound(t, conn, wire.TypeRoomState)

	startReply := make(chan roomactor.CommandResult, 1)
	sess.mu.Lock()
	pid := sess.participantID
	sess.mu.Unlock()
	actor.Submit(&roomactor.StartRoundCmd{ParticipantID: pid, StoryTitle: "Story 1", Reply: startReply})
	require.Nil(t, (<-startReply).Err)

	conn.Feed(wire.TypeVoteCast, "vote-req", wire.VoteCastPayload{CardValue: "5"})
	// Duplicate resubmission of the exact same requestId.
	conn.Feed(wire.TypeVoteCast, "vote-req", wire.VoteCastPayload{CardValue: "5"})

	// A third vote under a *different* requestId from the same participant
	// must be rejected as "already voted" — proving the duplicate above
	// never reached the actor a second time (spec §8 scenario 5).
	conn.Feed(wire.TypeVoteCast, "vote-req-2", wire.VoteCastPayload{CardValue: "8"})

	errs := waitForOutbound(t, conn, wire.TypeError)
	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Payload, &payload))
	assert.Equal(t, wire.CodeInvalidVote, payload.Code)

	cancel()
	conn.Close()
	<-done
}

func TestSession_JoinDeadlineClosesWithPolicyViolation(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	conn := newFakeConn()
	sess, _ := newTestSession(t, fake, conn)

	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()

	// Give Run's goroutine time to arm the join-deadline timer before we
	// advance the fake clock past it.
	time.Sleep(20 * time.Millisecond)
	fake.Advance(11 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after join deadline")
	}

	conn.mu.Lock()
	code := conn.closeCode
	conn.mu.Unlock()
	assert.Equal(t, wire.ClosePolicyViolation, code)
}

func waitForOutbound(t *testing.T, conn *fakeConn, msgType string) []*wire.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if msgs := conn.messagesOfType(msgType); len(msgs) > 0 {
			return msgs
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for outbound %q", msgType)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
