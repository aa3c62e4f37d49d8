package authz

import (
	"github.com/planningpoker/core/internal/v1/domain"
	"github.com/planningpoker/core/internal/v1/wire"
)

// CanJoin resolves whether principal may join room given its privacy mode
// (spec §4.2 step 4). Org-restricted rooms require a matching org; the
// core trusts orgId as resolved onto the principal by the identity
// provider (out of scope per §1 to issue or manage org membership here).
func CanJoin(principal *domain.Principal, room *domain.Room) bool {
	switch room.Privacy {
	case domain.PrivacyPublic:
		return true
	case domain.PrivacyInviteOnly:
		// Invite validation is an external (REST) concern; the core only
		// enforces that an authenticated principal is present, which the
		// Transport Gateway has already guaranteed by this point.
		return principal != nil
	case domain.PrivacyOrgRestricted:
		return principal != nil && principal.OrgID != "" && principal.OrgID == room.OwnerOrgID
	default:
		return false
	}
}

// CapacityFor returns the room capacity that applies to principal,
// honoring the free-tier cap (spec §12 "Tier gating").
func CapacityFor(principal *domain.Principal, freeTierCapacity, globalCapacity int) int {
	if principal == nil || principal.Tier == domain.TierFree {
		return freeTierCapacity
	}
	return globalCapacity
}

// roleRequirements maps each inbound message type to the roles allowed to
// send it. Types absent from this map (room.join, heartbeat, room.leave)
// are allowed for any connected participant.
var roleRequirements = map[string][]domain.RoleType{
	wire.TypeRoundStart:  {domain.RoleHost},
	wire.TypeVoteCast:    {domain.RoleHost, domain.RoleVoter},
	wire.TypeRoundReveal: {domain.RoleHost},
	wire.TypeRoundReset:  {domain.RoleHost},
	wire.TypeChatSend:    {domain.RoleHost, domain.RoleVoter, domain.RoleObserver},
}

// CanSend reports whether a participant with the given role is authorized
// to send a message of msgType (spec §4.3 "authorize" step, §4.4 per-command
// preconditions).
func CanSend(role domain.RoleType, msgType string) bool {
	allowed, ok := roleRequirements[msgType]
	if !ok {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
