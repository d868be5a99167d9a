package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"keyrelay/config"
	"keyrelay/internal/domain/group"
	"keyrelay/internal/events"
	"keyrelay/internal/repository"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GroupService owns membership, roles, bans, invites and the epoch
// protocol. Every membership-affecting mutation runs under the group
// row lock and bumps the epoch exactly once.
type GroupService struct {
	cfg       *config.Config
	groups    repository.GroupRepository
	identity  repository.IdentityRepository
	publisher events.Publisher
	logger    *logger.Logger
}

func NewGroupService(
	cfg *config.Config,
	groups repository.GroupRepository,
	identity repository.IdentityRepository,
	publisher events.Publisher,
	l *logger.Logger,
) *GroupService {
	return &GroupService{
		cfg:       cfg,
		groups:    groups,
		identity:  identity,
		publisher: publisher,
		logger:    l,
	}
}

type GroupView struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	About           string    `json:"about,omitempty"`
	CreatedBy       uuid.UUID `json:"created_by"`
	MaxParticipants int       `json:"max_participants"`
	GroupEpoch      int64     `json:"group_epoch"`
	IsClosed        bool      `json:"is_closed"`
	MemberCount     int64     `json:"member_count"`
}

type JoinResult struct {
	GroupID       uuid.UUID `json:"group_id"`
	GroupEpoch    int64     `json:"group_epoch"`
	AlreadyMember bool      `json:"already_member"`
}

type CreateInviteInput struct {
	Type         string
	ExpiresAt    *time.Time
	MaxUses      int
	TargetUserID *uuid.UUID
}

func (s *GroupService) CreateGroup(ctx context.Context, callerID uuid.UUID, title, about string, maxParticipants int) (GroupView, error) {
	if strings.TrimSpace(title) == "" {
		return GroupView{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"group title is required", keyrelay_errors.ErrInvalidInput)
	}
	if maxParticipants <= 0 || maxParticipants > s.cfg.GroupMaxParticipants {
		maxParticipants = s.cfg.GroupMaxParticipants
	}

	g := group.Group{
		ID:              uuid.New(),
		Title:           strings.TrimSpace(title),
		About:           about,
		CreatedBy:       callerID,
		MaxParticipants: maxParticipants,
		GroupEpoch:      0,
	}
	owner := group.Participant{
		ID:       uuid.New(),
		UserID:   callerID,
		Role:     group.RoleOwner,
		JoinedAt: time.Now(),
	}
	if err := s.groups.Create(ctx, &g, &owner); err != nil {
		return GroupView{}, err
	}
	return s.view(ctx, g)
}

func (s *GroupService) GetGroup(ctx context.Context, callerID, groupID uuid.UUID) (GroupView, error) {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	if _, err := s.activeParticipant(ctx, groupID, callerID); err != nil {
		return GroupView{}, err
	}
	return s.view(ctx, g)
}

func (s *GroupService) ListGroups(ctx context.Context, callerID uuid.UUID) ([]GroupView, error) {
	groups, err := s.groups.ListForUser(ctx, callerID)
	if err != nil {
		return nil, err
	}
	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		v, err := s.view(ctx, g)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *GroupService) UpdateGroup(ctx context.Context, callerID, groupID uuid.UUID, title, about *string) (GroupView, error) {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	if err := s.requireRole(ctx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
		return GroupView{}, err
	}
	if title != nil {
		if strings.TrimSpace(*title) == "" {
			return GroupView{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
				"group title is required", keyrelay_errors.ErrInvalidInput)
		}
		g.Title = strings.TrimSpace(*title)
	}
	if about != nil {
		g.About = *about
	}
	if err := s.groups.Update(ctx, g); err != nil {
		return GroupView{}, err
	}
	return s.view(ctx, g)
}

// CloseGroup shuts the group to new adds, joins and invites. Owner only.
func (s *GroupService) CloseGroup(ctx context.Context, callerID, groupID uuid.UUID) error {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.requireRole(ctx, groupID, callerID, group.RoleOwner); err != nil {
		return err
	}
	g.IsClosed = true
	return s.groups.Update(ctx, g)
}

// AddMembers admits the given users, skipping banned and already-active
// ones, and bumps the epoch once for the whole batch.
func (s *GroupService) AddMembers(ctx context.Context, callerID, groupID uuid.UUID, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(userIDs) == 0 {
		return nil, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"user list must not be empty", keyrelay_errors.ErrInvalidInput)
	}
	for _, id := range userIDs {
		exists, err := s.identity.UserExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, keyrelay_errors.ErrNotFound
		}
	}

	var added []uuid.UUID
	var newEpoch int64
	err := s.groups.Locked(ctx, groupID, func(tx *gorm.DB, g *group.Group) error {
		if err := requireRoleTx(tx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
			return err
		}
		if g.IsClosed {
			return keyrelay_errors.New(keyrelay_errors.CodeConflict,
				"group is closed", keyrelay_errors.ErrConflict)
		}

		var pending []uuid.UUID
		for _, id := range userIDs {
			var existing group.Participant
			err := tx.Where("group_id = ? AND user_id = ?", groupID, id).First(&existing).Error
			switch {
			case err == nil:
				// banned rows stay banned, active rows are no-ops
				continue
			case errors.Is(err, gorm.ErrRecordNotFound):
				pending = append(pending, id)
			default:
				return err
			}
		}
		if len(pending) == 0 {
			return nil
		}

		// Capacity is checked before mutating anything.
		var active int64
		if err := tx.Model(&group.Participant{}).
			Where("group_id = ? AND is_banned = ?", groupID, false).
			Count(&active).Error; err != nil {
			return err
		}
		if active+int64(len(pending)) > int64(g.MaxParticipants) {
			return keyrelay_errors.New(keyrelay_errors.CodeGroupFull,
				"group participant limit reached", keyrelay_errors.ErrConflict)
		}

		for _, id := range pending {
			p := group.Participant{
				ID:       uuid.New(),
				GroupID:  groupID,
				UserID:   id,
				Role:     group.RoleMember,
				JoinedAt: time.Now(),
			}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		}
		added = pending
		return bumpEpochTx(tx, g)
	})
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		newEpoch = s.currentEpoch(ctx, groupID)
		s.publishEpochChange(ctx, groupID, newEpoch, events.EpochChangeAdd, callerID)
	}
	return added, nil
}

func (s *GroupService) RemoveMember(ctx context.Context, callerID, groupID, targetID uuid.UUID) error {
	err := s.groups.Locked(ctx, groupID, func(tx *gorm.DB, g *group.Group) error {
		if err := requireRoleTx(tx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
			return err
		}
		var target group.Participant
		if err := tx.Where("group_id = ? AND user_id = ?", groupID, targetID).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return keyrelay_errors.ErrNotFound
			}
			return err
		}
		if target.Role == group.RoleOwner {
			return keyrelay_errors.New(keyrelay_errors.CodeForbidden,
				"the owner cannot be removed", keyrelay_errors.ErrForbidden)
		}
		if err := tx.Delete(&group.Participant{}, "id = ?", target.ID).Error; err != nil {
			return err
		}
		return bumpEpochTx(tx, g)
	})
	if err != nil {
		return err
	}
	s.publishEpochChange(ctx, groupID, s.currentEpoch(ctx, groupID), events.EpochChangeRemove, callerID)
	return nil
}

func (s *GroupService) Leave(ctx context.Context, callerID, groupID uuid.UUID) error {
	err := s.groups.Locked(ctx, groupID, func(tx *gorm.DB, g *group.Group) error {
		var p group.Participant
		if err := tx.Where("group_id = ? AND user_id = ?", groupID, callerID).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return keyrelay_errors.ErrNotFound
			}
			return err
		}
		if p.Role == group.RoleOwner {
			return keyrelay_errors.New(keyrelay_errors.CodeForbidden,
				"the owner must transfer or close the group before leaving", keyrelay_errors.ErrForbidden)
		}
		if err := tx.Delete(&group.Participant{}, "id = ?", p.ID).Error; err != nil {
			return err
		}
		return bumpEpochTx(tx, g)
	})
	if err != nil {
		return err
	}
	s.publishEpochChange(ctx, groupID, s.currentEpoch(ctx, groupID), events.EpochChangeLeave, callerID)
	return nil
}

func (s *GroupService) Ban(ctx context.Context, callerID, groupID, targetID uuid.UUID, reason string) error {
	err := s.groups.Locked(ctx, groupID, func(tx *gorm.DB, g *group.Group) error {
		if err := requireRoleTx(tx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
			return err
		}

		var target group.Participant
		err := tx.Where("group_id = ? AND user_id = ?", groupID, targetID).First(&target).Error
		switch {
		case err == nil:
			if target.Role == group.RoleOwner {
				return keyrelay_errors.New(keyrelay_errors.CodeForbidden,
					"the owner cannot be banned", keyrelay_errors.ErrForbidden)
			}
			if err := tx.Model(&group.Participant{}).
				Where("id = ?", target.ID).
				Updates(map[string]interface{}{"is_banned": true, "role": group.RoleMember}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			p := group.Participant{
				ID:       uuid.New(),
				GroupID:  groupID,
				UserID:   targetID,
				Role:     group.RoleMember,
				IsBanned: true,
				JoinedAt: time.Now(),
			}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		default:
			return err
		}

		var existing group.Ban
		err = tx.Where("group_id = ? AND user_id = ?", groupID, targetID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ban := group.Ban{
				ID:       uuid.New(),
				GroupID:  groupID,
				UserID:   targetID,
				BannedBy: callerID,
				Reason:   reason,
				BannedAt: time.Now(),
			}
			if err := tx.Create(&ban).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return bumpEpochTx(tx, g)
	})
	if err != nil {
		return err
	}
	s.logger.Warnf("group ban: user %s banned from group %s by %s", targetID, groupID, callerID)
	s.publishEpochChange(ctx, groupID, s.currentEpoch(ctx, groupID), events.EpochChangeBan, callerID)
	return nil
}

// Unban clears the ban row and the banned participant row. It does not
// bump the epoch: re-admission still requires a fresh add or join, so
// the decrypting audience has not changed yet.
func (s *GroupService) Unban(ctx context.Context, callerID, groupID, targetID uuid.UUID) error {
	return s.groups.Locked(ctx, groupID, func(tx *gorm.DB, g *group.Group) error {
		if err := requireRoleTx(tx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
			return err
		}
		res := tx.Delete(&group.Ban{}, "group_id = ? AND user_id = ?", groupID, targetID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return keyrelay_errors.ErrNotFound
		}
		return tx.Delete(&group.Participant{},
			"group_id = ? AND user_id = ? AND is_banned = ?", groupID, targetID, true).Error
	})
}

// Promote and Demote move members between admin and member. Owner only;
// role changes never bump the epoch.
func (s *GroupService) Promote(ctx context.Context, callerID, groupID, targetID uuid.UUID) error {
	return s.changeRole(ctx, callerID, groupID, targetID, group.RoleMember, group.RoleAdmin)
}

func (s *GroupService) Demote(ctx context.Context, callerID, groupID, targetID uuid.UUID) error {
	return s.changeRole(ctx, callerID, groupID, targetID, group.RoleAdmin, group.RoleMember)
}

func (s *GroupService) changeRole(ctx context.Context, callerID, groupID, targetID uuid.UUID, from, to string) error {
	if err := s.requireRole(ctx, groupID, callerID, group.RoleOwner); err != nil {
		return err
	}
	target, err := s.activeParticipant(ctx, groupID, targetID)
	if err != nil {
		return err
	}
	if target.Role == group.RoleOwner {
		return keyrelay_errors.New(keyrelay_errors.CodeForbidden,
			"the owner role cannot be changed", keyrelay_errors.ErrForbidden)
	}
	if target.Role != from {
		return keyrelay_errors.New(keyrelay_errors.CodeConflict,
			"participant is not in the expected role", keyrelay_errors.ErrConflict)
	}
	target.Role = to
	return s.saveParticipant(ctx, target)
}

func (s *GroupService) Mute(ctx context.Context, callerID, groupID, targetID uuid.UUID, until time.Time) error {
	if err := s.requireRole(ctx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
		return err
	}
	if !until.After(time.Now()) {
		return keyrelay_errors.New(keyrelay_errors.CodeExpiryInPast,
			"mute expiry must be in the future", keyrelay_errors.ErrInvalidInput)
	}
	target, err := s.activeParticipant(ctx, groupID, targetID)
	if err != nil {
		return err
	}
	if target.Role == group.RoleOwner {
		return keyrelay_errors.New(keyrelay_errors.CodeForbidden,
			"the owner cannot be muted", keyrelay_errors.ErrForbidden)
	}
	target.MutedUntil = &until
	return s.saveParticipant(ctx, target)
}

func (s *GroupService) Unmute(ctx context.Context, callerID, groupID, targetID uuid.UUID) error {
	if err := s.requireRole(ctx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
		return err
	}
	target, err := s.activeParticipant(ctx, groupID, targetID)
	if err != nil {
		return err
	}
	target.MutedUntil = nil
	return s.saveParticipant(ctx, target)
}

func (s *GroupService) ListMembers(ctx context.Context, callerID, groupID uuid.UUID) ([]group.Participant, error) {
	if _, err := s.activeParticipant(ctx, groupID, callerID); err != nil {
		return nil, err
	}
	return s.groups.ListParticipants(ctx, groupID)
}

func (s *GroupService) CreateInvite(ctx context.Context, callerID, groupID uuid.UUID, in CreateInviteInput) (group.Invite, error) {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return group.Invite{}, err
	}
	if g.IsClosed {
		return group.Invite{}, keyrelay_errors.New(keyrelay_errors.CodeConflict,
			"group is closed", keyrelay_errors.ErrConflict)
	}
	if err := s.requireRole(ctx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
		return group.Invite{}, err
	}
	if in.Type != group.InviteTypeLink && in.Type != group.InviteTypeDirect {
		return group.Invite{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"invite type must be link or direct", keyrelay_errors.ErrInvalidInput)
	}
	if in.Type == group.InviteTypeDirect && in.TargetUserID == nil {
		return group.Invite{}, keyrelay_errors.New(keyrelay_errors.CodeTargetUserRequired,
			"direct invites require a target user", keyrelay_errors.ErrInvalidInput)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now()) {
		return group.Invite{}, keyrelay_errors.New(keyrelay_errors.CodeExpiryInPast,
			"invite expiry must be in the future", keyrelay_errors.ErrInvalidInput)
	}
	if in.MaxUses < 0 {
		return group.Invite{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"max uses must not be negative", keyrelay_errors.ErrInvalidInput)
	}

	expiresAt := in.ExpiresAt
	if expiresAt == nil {
		t := time.Now().Add(time.Duration(s.cfg.InviteExpiryHours) * time.Hour)
		expiresAt = &t
	}

	inv := group.Invite{
		GroupID:   groupID,
		CreatedBy: callerID,
		Type:      in.Type,
		ExpiresAt: expiresAt,
		MaxUses:   in.MaxUses,
	}
	if in.TargetUserID != nil {
		inv.TargetUserID = uuid.NullUUID{UUID: *in.TargetUserID, Valid: true}
	}

	// Codes are short, so collisions are possible; retry with a fresh
	// code instead of surfacing the conflict.
	for attempt := 0; attempt < 5; attempt++ {
		inv.ID = uuid.New()
		code, err := newInviteCode()
		if err != nil {
			return group.Invite{}, err
		}
		inv.Code = code
		err = s.groups.CreateInvite(ctx, &inv)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, keyrelay_errors.ErrAlreadyExists) {
			return group.Invite{}, err
		}
	}
	return group.Invite{}, keyrelay_errors.ErrConflict
}

func newInviteCode() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := base64.RawURLEncoding.EncodeToString(buf)
	if len(code) > 12 {
		code = code[:12]
	}
	return strings.ToUpper(code), nil
}

// ListInvites returns live invites only: expired and used-up codes are
// filtered out.
func (s *GroupService) ListInvites(ctx context.Context, callerID, groupID uuid.UUID) ([]group.Invite, error) {
	if err := s.requireRole(ctx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
		return nil, err
	}
	invites, err := s.groups.ListInvites(ctx, groupID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	live := make([]group.Invite, 0, len(invites))
	for _, inv := range invites {
		if inv.ExpiresAt != nil && inv.ExpiresAt.Before(now) {
			continue
		}
		if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
			continue
		}
		live = append(live, inv)
	}
	return live, nil
}

func (s *GroupService) RevokeInvite(ctx context.Context, callerID, groupID, inviteID uuid.UUID) error {
	if err := s.requireRole(ctx, groupID, callerID, group.RoleOwner, group.RoleAdmin); err != nil {
		return err
	}
	invites, err := s.groups.ListInvites(ctx, groupID)
	if err != nil {
		return err
	}
	for _, inv := range invites {
		if inv.ID == inviteID {
			return s.groups.DeleteInvite(ctx, inviteID)
		}
	}
	return keyrelay_errors.ErrNotFound
}

// JoinByCode redeems an invite. Checks run in a fixed order so callers
// get a stable failure: expiry, uses, ban, capacity, direct target.
func (s *GroupService) JoinByCode(ctx context.Context, callerID uuid.UUID, code string) (JoinResult, error) {
	inv, err := s.groups.GetInviteByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return JoinResult{}, err
	}

	var result JoinResult
	joined := false
	err = s.groups.Locked(ctx, inv.GroupID, func(tx *gorm.DB, g *group.Group) error {
		// Reload under the group lock. Redemptions serialize here, and
		// a pre-lock snapshot of uses would let two callers spend the
		// same last use.
		if err := tx.Where("id = ?", inv.ID).First(&inv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return keyrelay_errors.ErrNotFound
			}
			return err
		}
		if inv.ExpiresAt != nil && inv.ExpiresAt.Before(time.Now()) {
			return keyrelay_errors.New(keyrelay_errors.CodeGone,
				"invite has expired", keyrelay_errors.ErrGone)
		}
		if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
			return keyrelay_errors.New(keyrelay_errors.CodeMaxUses,
				"invite has no uses left", keyrelay_errors.ErrConflict)
		}

		var existing group.Participant
		err := tx.Where("group_id = ? AND user_id = ?", inv.GroupID, callerID).First(&existing).Error
		switch {
		case err == nil:
			if existing.IsBanned {
				return keyrelay_errors.New(keyrelay_errors.CodeBanned,
					"user is banned from this group", keyrelay_errors.ErrForbidden)
			}
			result = JoinResult{GroupID: g.ID, GroupEpoch: g.GroupEpoch, AlreadyMember: true}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		var active int64
		if err := tx.Model(&group.Participant{}).
			Where("group_id = ? AND is_banned = ?", inv.GroupID, false).
			Count(&active).Error; err != nil {
			return err
		}
		if active >= int64(g.MaxParticipants) {
			return keyrelay_errors.New(keyrelay_errors.CodeGroupFull,
				"group participant limit reached", keyrelay_errors.ErrConflict)
		}
		if inv.Type == group.InviteTypeDirect &&
			(!inv.TargetUserID.Valid || inv.TargetUserID.UUID != callerID) {
			return keyrelay_errors.New(keyrelay_errors.CodeNotInvited,
				"invite is addressed to another user", keyrelay_errors.ErrForbidden)
		}
		if g.IsClosed {
			return keyrelay_errors.New(keyrelay_errors.CodeConflict,
				"group is closed", keyrelay_errors.ErrConflict)
		}

		p := group.Participant{
			ID:       uuid.New(),
			GroupID:  inv.GroupID,
			UserID:   callerID,
			Role:     group.RoleMember,
			JoinedAt: time.Now(),
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		if err := tx.Model(&group.Invite{}).
			Where("id = ?", inv.ID).
			Update("uses", gorm.Expr("uses + 1")).Error; err != nil {
			return err
		}
		if err := bumpEpochTx(tx, g); err != nil {
			return err
		}
		joined = true
		result = JoinResult{GroupID: g.ID, GroupEpoch: g.GroupEpoch}
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	if joined {
		s.publishEpochChange(ctx, inv.GroupID, result.GroupEpoch, events.EpochChangeJoin, callerID)
	}
	return result, nil
}

// CurrentEpoch exposes the durable epoch, the fallback source of truth
// when a broadcast is dropped.
func (s *GroupService) CurrentEpoch(ctx context.Context, callerID, groupID uuid.UUID) (int64, error) {
	if _, err := s.activeParticipant(ctx, groupID, callerID); err != nil {
		return 0, err
	}
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return g.GroupEpoch, nil
}

func (s *GroupService) view(ctx context.Context, g group.Group) (GroupView, error) {
	count, err := s.groups.CountActiveParticipants(ctx, g.ID)
	if err != nil {
		return GroupView{}, err
	}
	return GroupView{
		ID:              g.ID,
		Title:           g.Title,
		About:           g.About,
		CreatedBy:       g.CreatedBy,
		MaxParticipants: g.MaxParticipants,
		GroupEpoch:      g.GroupEpoch,
		IsClosed:        g.IsClosed,
		MemberCount:     count,
	}, nil
}

func (s *GroupService) activeParticipant(ctx context.Context, groupID, userID uuid.UUID) (group.Participant, error) {
	p, err := s.groups.GetParticipant(ctx, groupID, userID)
	if err != nil {
		return group.Participant{}, err
	}
	if p.IsBanned {
		return group.Participant{}, keyrelay_errors.New(keyrelay_errors.CodeBanned,
			"user is banned from this group", keyrelay_errors.ErrForbidden)
	}
	return p, nil
}

func (s *GroupService) requireRole(ctx context.Context, groupID, userID uuid.UUID, roles ...string) error {
	p, err := s.activeParticipant(ctx, groupID, userID)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if p.Role == role {
			return nil
		}
	}
	return keyrelay_errors.New(keyrelay_errors.CodeForbidden,
		"caller role is not allowed to do this", keyrelay_errors.ErrForbidden)
}

func (s *GroupService) saveParticipant(ctx context.Context, p group.Participant) error {
	return s.groups.Locked(ctx, p.GroupID, func(tx *gorm.DB, g *group.Group) error {
		return tx.Save(&p).Error
	})
}

func (s *GroupService) currentEpoch(ctx context.Context, groupID uuid.UUID) int64 {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return 0
	}
	return g.GroupEpoch
}

func (s *GroupService) publishEpochChange(ctx context.Context, groupID uuid.UUID, epoch int64, kind string, actorID uuid.UUID) {
	if err := s.publisher.Publish(ctx, events.EpochChangedEvent{
		Type:       events.EventTypeEpochChanged,
		GroupID:    groupID,
		Epoch:      epoch,
		ChangeKind: kind,
		ActorID:    actorID,
		At:         time.Now(),
	}); err != nil {
		s.logger.Errorf("epoch_changed publish dropped: %s", err)
	}
}

// requireRoleTx is the in-transaction variant used under the group lock.
func requireRoleTx(tx *gorm.DB, groupID, userID uuid.UUID, roles ...string) error {
	var p group.Participant
	if err := tx.Where("group_id = ? AND user_id = ?", groupID, userID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return keyrelay_errors.ErrNotFound
		}
		return err
	}
	if p.IsBanned {
		return keyrelay_errors.New(keyrelay_errors.CodeBanned,
			"user is banned from this group", keyrelay_errors.ErrForbidden)
	}
	for _, role := range roles {
		if p.Role == role {
			return nil
		}
	}
	return keyrelay_errors.New(keyrelay_errors.CodeForbidden,
		"caller role is not allowed to do this", keyrelay_errors.ErrForbidden)
}

func bumpEpochTx(tx *gorm.DB, g *group.Group) error {
	g.GroupEpoch++
	return tx.Model(&group.Group{}).
		Where("id = ?", g.ID).
		Update("group_epoch", g.GroupEpoch).Error
}
