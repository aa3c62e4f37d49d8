// Package session implements the Connection Session (spec §4.3): one
// client's lifecycle from upgrade to close, decoding inbound frames,
// enforcing the join deadline / heartbeat / grace timers, authorizing
// each message against the caller's role, and forwarding commands to the
// room's Room Actor strictly sequentially.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/planningpoker/core/internal/v1/authz"
	"github.com/planningpoker/core/internal/v1/clock"
	"github.com/planningpoker/core/internal/v1/dedup"
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/logging"
	"github.com/planningpoker/core/internal/v1/metrics"
	"github.com/planningpoker/core/internal/v1/ratelimit"
	"github.com/planningpoker/core/internal/v1/registry"
	"github.com/planningpoker/core/internal/v1/roomactor"
	"github.com/planningpoker/core/internal/v1/wire"
	"go.uber.org/zap"
)

// lifecycleState is the Connection Session's place in spec §4.3's state
// diagram: CONNECTED -> JOINED, with CLOSED as the only terminal state
// the session itself tracks (GRACE is a room-actor-side concept keyed by
// participantId, not a session state, since the session object is gone
// the instant its socket closes).
type lifecycleState int

const (
	stateConnected lifecycleState = iota
	stateJoined
	stateClosed
)

// Conn is the subset of *websocket.Conn the session depends on, letting
// tests drive the state machine without a real socket. WriteClose sends a
// control frame carrying a WebSocket close code (spec §6.3); production
// code implements it with gorilla's WriteControl + FormatCloseMessage.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteClose(code int, reason string) error
	Close() error
}

// Timers bundles the process-wide connection timer durations (spec §5,
// §9 "Global configuration").
type Timers struct {
	JoinDeadline     time.Duration
	HeartbeatTimeout time.Duration
}

// Config bundles a Session's construction-time dependencies.
type Config struct {
	Conn      Conn
	RoomID    domain.RoomIDType
	Principal *domain.Principal
	Actor     *roomactor.Actor
	Registry  *registry.Registry
	Clock     clock.Clock
	Timers    Timers
	RateLimit *ratelimit.RateLimiter
	Dedup     *dedup.Cache
	Capacity  int
}

// Session owns one client's lifecycle. Construct with New, then call Run
// in the goroutine that owns the upgraded connection.
type Session struct {
	id        string
	conn      Conn
	roomID    domain.RoomIDType
	principal *domain.Principal
	actor     *roomactor.Actor
	registry  *registry.Registry
	clk       clock.Clock
	timers    Timers
	rateLimit *ratelimit.RateLimiter
	dedupe    *dedup.Cache
	capacity  int

	send chan []byte

	mu            sync.Mutex
	state         lifecycleState
	participantID domain.ParticipantIDType
	role          domain.RoleType
	attached      bool
}

// New builds a Session ready to Run.
func New(cfg Config) *Session {
	dedupe := cfg.Dedup
	if dedupe == nil {
		dedupe = dedup.NewCache(256, int64(60*time.Second), cfg.Clock)
	}
	return &Session{
		id:        uuid.NewString(),
		conn:      cfg.Conn,
		roomID:    cfg.RoomID,
		principal: cfg.Principal,
		actor:     cfg.Actor,
		registry:  cfg.Registry,
		clk:       cfg.Clock,
		timers:    cfg.Timers,
		rateLimit: cfg.RateLimit,
		dedupe:    dedupe,
		capacity:  cfg.Capacity,
		send:      make(chan []byte, 64),
	}
}

// ID is the session's opaque connection identifier (distinct from the
// room-scoped participantId assigned on join).
func (s *Session) ID() string { return s.id }

// Deliver implements registry.Dispatcher: the registry hands every event
// published for this session's room to Deliver, in broker order. The
// session never reorders it (spec §5).
func (s *Session) Deliver(envelope []byte) {
	select {
	case s.send <- envelope:
	default:
		logging.Warn(context.Background(), "session send buffer full, dropping broadcast",
			zap.String("connection_id", s.id))
	}
}

// Run drives the session's full lifecycle until the connection closes or
// ctx is canceled (graceful server shutdown). It blocks until the
// connection is fully torn down.
func (s *Session) Run(ctx context.Context) {
	metrics.IncConnection()
	defer metrics.DecConnection()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()

	inbound := make(chan *wire.Envelope, 16)
	readErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readPump(inbound, readErrCh)
	}()

	joinTimer := s.clk.NewTimer(s.timers.JoinDeadline)
	heartbeatTimer := s.clk.NewTimer(s.timers.HeartbeatTimeout)
	heartbeatTimer.Stop()
	defer func() {
		joinTimer.Stop()
		heartbeatTimer.Stop()
	}()

	closeCode := wire.CloseNormal

loop:
	for {
		select {
		case <-ctx.Done():
			s.shutdownClosing()
			closeCode = wire.CloseGoingAway
			break loop

		case env, ok := <-inbound:
			if !ok {
				closeCode = wire.CloseNormal
				break loop
			}

			s.mu.Lock()
			joined := s.state == stateJoined
			s.mu.Unlock()

			if !joined && env.Type != wire.TypeRoomJoin {
				s.writeError(env.RequestID, wire.NewWireError(wire.CodeForbidden, "must join before sending other messages", nil))
				continue
			}
			if !s.rateLimit.CheckMessage(ctx, s.id) {
				s.writeError(env.RequestID, wire.NewWireError(wire.CodeRateLimitExceeded, "message rate limit exceeded", nil))
				continue
			}

			leaving := s.handleEnvelope(ctx, env)

			s.mu.Lock()
			nowJoined := s.state == stateJoined
			s.mu.Unlock()
			if nowJoined {
				joinTimer.Stop()
				heartbeatTimer.Reset(s.timers.HeartbeatTimeout)
			}
			if leaving {
				closeCode = wire.CloseNormal
				break loop
			}

		case <-joinTimer.C():
			s.mu.Lock()
			joined := s.state == stateJoined
			s.mu.Unlock()
			if !joined {
				s.writeError("", wire.NewWireError(wire.CodePolicyViolation, "join deadline exceeded", nil))
				closeCode = wire.ClosePolicyViolation
				break loop
			}

		case <-heartbeatTimer.C():
			logging.Info(context.Background(), "closing session: heartbeat timeout", zap.String("connection_id", s.id))
			closeCode = wire.CloseGoingAway
			break loop

		case err := <-readErrCh:
			s.handleUngracefulClose(err)
			closeCode = wire.CloseNormal
			break loop
		}
	}

	s.detach()
	_ = s.conn.WriteClose(closeCode, "")
	close(s.send)
	_ = s.conn.Close()
	wg.Wait()
}

func (s *Session) readPump(inbound chan<- *wire.Envelope, errCh chan<- error) {
	defer close(inbound)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		env, werr := wire.Decode(data)
		if werr != nil {
			s.writeError("", werr)
			continue
		}
		inbound <- env
	}
}

func (s *Session) writePump() {
	for msg := range s.send {
		if err := s.conn.WriteMessage(1 /* websocket.TextMessage */, msg); err != nil {
			logging.Warn(context.Background(), "failed to write to connection", zap.Error(err),
				zap.String("connection_id", s.id))
			return
		}
	}
}

func (s *Session) writeError(requestID string, werr *wire.WireError) {
	s.Deliver(wire.EncodeError(requestID, werr))
}

func (s *Session) shutdownClosing() {
	s.Deliver(mustEncode(wire.TypeServerClosing, wire.ServerClosingPayload{Message: "server shutting down"}))
}

// handleUngracefulClose transitions a joined participant into the room's
// grace period on an unexpected socket close (spec §4.3).
func (s *Session) handleUngracefulClose(err error) {
	s.mu.Lock()
	joined := s.state == stateJoined
	pid := s.participantID
	s.mu.Unlock()

	if !joined {
		return
	}

	logging.Info(context.Background(), "connection closed ungracefully, starting grace period",
		zap.String("connection_id", s.id), zap.Error(err))

	reply := make(chan roomactor.CommandResult, 1)
	s.actor.Submit(&roomactor.DisconnectCmd{ParticipantID: pid, Reply: reply})
	<-reply
}

func (s *Session) detach() {
	s.mu.Lock()
	attached := s.attached
	s.attached = false
	s.state = stateClosed
	s.mu.Unlock()
	if attached {
		s.registry.Detach(s.roomID, s.id)
	}
}

// handleEnvelope decodes, authorizes and forwards one inbound message to
// the Room Actor, writing the reply (or error) before returning. Called
// strictly sequentially from Run's loop (spec §4.3). Returns true if the
// session should now close (graceful room.leave.v1).
func (s *Session) handleEnvelope(ctx context.Context, env *wire.Envelope) bool {
	s.mu.Lock()
	role := s.role
	pid := s.participantID
	s.mu.Unlock()

	if env.Type != wire.TypeRoomJoin && !authz.CanSend(role, env.Type) {
		s.writeError(env.RequestID, wire.NewWireError(wire.CodeForbidden, "role not permitted to send this message", nil))
		return false
	}

	if env.RequestID != "" {
		if cached, ok := s.dedupe.Get(env.RequestID); ok {
			metrics.DedupHits.Inc()
			if cached.WireErr != nil {
				if werr, ok := cached.WireErr.(*wire.WireError); ok && werr != nil {
					s.writeError(env.RequestID, werr)
				}
			}
			// A cache hit with no error means the original command already
			// produced exactly one broadcast; suppress resubmission so the
			// command is never applied twice (spec §8 scenario 5).
			return false
		}
	}

	var werr *wire.WireError
	leaving := false

	switch env.Type {
	case wire.TypeRoomJoin:
		werr = s.handleJoin(ctx, env)
	case wire.TypeHeartbeat:
		// Liveness only; the heartbeat timer reset happens unconditionally
		// in Run's loop after any inbound message while joined.
	case wire.TypeLeaveRoom:
		werr = s.handleLeave(env, pid)
		if werr == nil {
			leaving = true
		}
	case wire.TypeRoundStart:
		werr = s.handleStartRound(env, pid)
	case wire.TypeVoteCast:
		werr = s.handleCastVote(env, pid)
	case wire.TypeRoundReveal:
		werr = s.handleReveal(env, pid)
	case wire.TypeRoundReset:
		werr = s.handleResetRound(env, pid)
	case wire.TypeChatSend:
		werr = s.handleChat(ctx, env, pid)
	default:
		werr = wire.NewWireError(wire.CodeValidationError, fmt.Sprintf("unknown message type %q", env.Type), nil)
	}

	if env.RequestID != "" && env.Type != wire.TypeRoomJoin {
		s.dedupe.Put(env.RequestID, dedup.Result{WireErr: werr})
	}
	if werr != nil {
		s.writeError(env.RequestID, werr)
	}
	return leaving
}

func mustEncode(msgType string, payload any) []byte {
	raw, werr := wire.Encode(msgType, "", payload)
	if werr != nil {
		return wire.EncodeError("", werr)
	}
	return raw
}
