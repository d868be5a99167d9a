package httpdto

import (
	"time"

	"keyrelay/internal/domain/group"
)

// CreateGroupRequest is used for POST /e2ee/groups
type CreateGroupRequest struct {
	Title           string `json:"title" binding:"required"`
	About           string `json:"about"`
	MaxParticipants int    `json:"max_participants"`
}

// UpdateGroupRequest is used for PATCH /e2ee/groups/:id
type UpdateGroupRequest struct {
	Title *string `json:"title"`
	About *string `json:"about"`
}

// AddMembersRequest is used for POST /e2ee/groups/:id/members
type AddMembersRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

// BanMemberRequest is used for POST /e2ee/groups/:id/members/:userID/ban
type BanMemberRequest struct {
	Reason string `json:"reason"`
}

// MuteMemberRequest is used for POST /e2ee/groups/:id/members/:userID/mute
type MuteMemberRequest struct {
	Until string `json:"until" binding:"required"`
}

// CreateGroupInviteRequest is used for POST /e2ee/groups/:id/invites
type CreateGroupInviteRequest struct {
	Type         string `json:"type" binding:"required"`
	ExpiresAt    string `json:"expires_at"`
	MaxUses      int    `json:"max_uses"`
	TargetUserID string `json:"target_user_id"`
}

// JoinGroupRequest is used for POST /e2ee/groups/join
type JoinGroupRequest struct {
	Code string `json:"code" binding:"required"`
}

// AddedMembersResponse is returned after a member add
type AddedMembersResponse struct {
	Added []string `json:"added"`
}

// GroupParticipantDTO represents a group member in API responses
type GroupParticipantDTO struct {
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	IsBanned   bool   `json:"is_banned,omitempty"`
	MutedUntil string `json:"muted_until,omitempty"`
	JoinedAt   string `json:"joined_at"`
}

// GroupInviteDTO represents an invite in API responses
type GroupInviteDTO struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Code         string `json:"code"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	MaxUses      int    `json:"max_uses,omitempty"`
	Uses         int    `json:"uses"`
	TargetUserID string `json:"target_user_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// FromGroupParticipant converts a domain participant to GroupParticipantDTO
func FromGroupParticipant(p group.Participant) GroupParticipantDTO {
	dto := GroupParticipantDTO{
		UserID:   p.UserID.String(),
		Role:     p.Role,
		IsBanned: p.IsBanned,
		JoinedAt: p.JoinedAt.Format(time.RFC3339),
	}
	if p.MutedUntil != nil {
		dto.MutedUntil = p.MutedUntil.Format(time.RFC3339)
	}
	return dto
}

// FromGroupInvite converts a domain invite to GroupInviteDTO
func FromGroupInvite(inv group.Invite) GroupInviteDTO {
	dto := GroupInviteDTO{
		ID:        inv.ID.String(),
		Type:      inv.Type,
		Code:      inv.Code,
		MaxUses:   inv.MaxUses,
		Uses:      inv.Uses,
		CreatedAt: inv.CreatedAt.Format(time.RFC3339),
	}
	if inv.ExpiresAt != nil {
		dto.ExpiresAt = inv.ExpiresAt.Format(time.RFC3339)
	}
	if inv.TargetUserID.Valid {
		dto.TargetUserID = inv.TargetUserID.UUID.String()
	}
	return dto
}
