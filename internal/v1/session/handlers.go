package session

import (
	"context"

	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/roomactor"
	"github.com/planningpoker/core/internal/v1/wire"
)

// handleJoin implements the join half of spec §4.3's CONNECTED -> JOINED
// transition: validate, register with the Room Actor, attach to the
// Connection Registry, then deliver the snapshot and any missed events.
func (s *Session) handleJoin(ctx context.Context, env *wire.Envelope) *wire.WireError {
	var payload wire.RoomJoinPayload
	if werr := wire.DecodePayload(env, &payload); werr != nil {
		return werr
	}
	if payload.DisplayName == "" {
		return wire.NewWireError(wire.CodeValidationError, "displayName is required", nil)
	}

	role := payload.Role
	if role == "" {
		role = domain.RoleVoter
	}
	if role != domain.RoleHost && role != domain.RoleVoter && role != domain.RoleObserver {
		return wire.NewWireError(wire.CodeValidationError, "invalid role", nil)
	}

	reply := make(chan roomactor.RegisterResult, 1)
	s.actor.Submit(&roomactor.RegisterParticipantCmd{
		Principal:     s.principal,
		DisplayName:   payload.DisplayName,
		RequestedRole: role,
		Capacity:      s.capacity,
		LastEventID:   payload.LastEventID,
		Reply:         reply,
	})
	result := <-reply
	if result.Err != nil {
		return result.Err
	}

	s.mu.Lock()
	s.state = stateJoined
	s.participantID = result.ParticipantID
	s.role = result.Role
	s.attached = true
	s.mu.Unlock()

	// Attach before delivering the snapshot: once attached, any broadcast
	// the actor emits for this room (including the participant_joined one
	// this very join triggers) is queued for delivery, so no event between
	// registration and attach is silently lost (spec §4.5/§5 ordering).
	s.registry.Attach(ctx, s.roomID, s.id, s)

	s.Deliver(mustEncode(wire.TypeRoomState, result.Snapshot))
	for _, ev := range result.Missed {
		s.Deliver(ev.Envelope)
	}
	return nil
}

func (s *Session) handleLeave(env *wire.Envelope, pid domain.ParticipantIDType) *wire.WireError {
	var payload wire.LeaveRoomPayload
	// LeaveRoomPayload is optional; a missing/empty payload is valid.
	if len(env.Payload) > 0 {
		if werr := wire.DecodePayload(env, &payload); werr != nil {
			return werr
		}
	}

	reply := make(chan roomactor.CommandResult, 1)
	s.actor.Submit(&roomactor.LeaveCmd{ParticipantID: pid, Reason: payload.Reason, Reply: reply})
	result := <-reply
	return result.Err
}

func (s *Session) handleStartRound(env *wire.Envelope, pid domain.ParticipantIDType) *wire.WireError {
	var payload wire.RoundStartPayload
	if len(env.Payload) > 0 {
		if werr := wire.DecodePayload(env, &payload); werr != nil {
			return werr
		}
	}

	reply := make(chan roomactor.CommandResult, 1)
	s.actor.Submit(&roomactor.StartRoundCmd{
		ParticipantID: pid,
		StoryTitle:    payload.StoryTitle,
		TimerSeconds:  payload.TimerSeconds,
		Reply:         reply,
	})
	result := <-reply
	return result.Err
}

func (s *Session) handleCastVote(env *wire.Envelope, pid domain.ParticipantIDType) *wire.WireError {
	var payload wire.VoteCastPayload
	if werr := wire.DecodePayload(env, &payload); werr != nil {
		return werr
	}

	reply := make(chan roomactor.CommandResult, 1)
	s.actor.Submit(&roomactor.CastVoteCmd{
		ParticipantID: pid,
		CardValue:     domain.CardValue(payload.CardValue),
		Reply:         reply,
	})
	result := <-reply
	return result.Err
}

func (s *Session) handleReveal(env *wire.Envelope, pid domain.ParticipantIDType) *wire.WireError {
	reply := make(chan roomactor.CommandResult, 1)
	s.actor.Submit(&roomactor.RevealCmd{ParticipantID: pid, Reply: reply})
	result := <-reply
	return result.Err
}

func (s *Session) handleResetRound(env *wire.Envelope, pid domain.ParticipantIDType) *wire.WireError {
	var payload wire.RoundResetPayload
	if len(env.Payload) > 0 {
		if werr := wire.DecodePayload(env, &payload); werr != nil {
			return werr
		}
	}

	reply := make(chan roomactor.CommandResult, 1)
	s.actor.Submit(&roomactor.ResetRoundCmd{ParticipantID: pid, ClearVotes: payload.ClearVotes, Reply: reply})
	result := <-reply
	return result.Err
}

func (s *Session) handleChat(ctx context.Context, env *wire.Envelope, pid domain.ParticipantIDType) *wire.WireError {
	var payload wire.ChatSendPayload
	if werr := wire.DecodePayload(env, &payload); werr != nil {
		return werr
	}
	if !s.rateLimit.CheckChat(ctx, string(pid)) {
		return wire.NewWireError(wire.CodeRateLimitExceeded, "chat rate limit exceeded", nil)
	}

	reply := make(chan roomactor.CommandResult, 1)
	s.actor.Submit(&roomactor.ChatCmd{
		ParticipantID: pid,
		Message:       payload.Message,
		ReplyTo:       payload.ReplyTo,
		Reply:         reply,
	})
	result := <-reply
	return result.Err
}
