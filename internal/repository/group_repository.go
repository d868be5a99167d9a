package repository

import (
	"context"
	"errors"
	"time"

	"keyrelay/internal/domain/group"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresGroupRepository struct {
	db *gorm.DB
}

func NewGroupRepository(db *gorm.DB) GroupRepository {
	return &PostgresGroupRepository{db: db}
}

func (r *PostgresGroupRepository) Create(ctx context.Context, g *group.Group, owner *group.Participant) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		owner.GroupID = g.ID
		return tx.Create(owner).Error
	})
}

func (r *PostgresGroupRepository) GetByID(ctx context.Context, id uuid.UUID) (group.Group, error) {
	var g group.Group
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&g).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return group.Group{}, keyrelay_errors.ErrNotFound
		}
		return group.Group{}, err
	}
	return g, nil
}

func (r *PostgresGroupRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]group.Group, error) {
	var groups []group.Group
	err := r.db.WithContext(ctx).
		Model(&group.Group{}).
		Joins("JOIN secure_group_participants p ON p.group_id = secure_groups.id").
		Where("p.user_id = ? AND p.is_banned = ?", userID, false).
		Order("secure_groups.created_at DESC").
		Find(&groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *PostgresGroupRepository) Update(ctx context.Context, g group.Group) error {
	g.UpdatedAt = time.Now()
	res := r.db.WithContext(ctx).Save(&g)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return keyrelay_errors.ErrNotFound
	}
	return nil
}

// Locked serializes membership mutations per group: the group row is
// loaded under a row lock and fn runs inside the same transaction.
func (r *PostgresGroupRepository) Locked(ctx context.Context, groupID uuid.UUID, fn func(tx *gorm.DB, g *group.Group) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var g group.Group
		err := lockForUpdate(tx).Where("id = ?", groupID).First(&g).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return keyrelay_errors.ErrNotFound
			}
			return err
		}
		return fn(tx, &g)
	})
}

func (r *PostgresGroupRepository) GetParticipant(ctx context.Context, groupID, userID uuid.UUID) (group.Participant, error) {
	var p group.Participant
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return group.Participant{}, keyrelay_errors.ErrNotFound
		}
		return group.Participant{}, err
	}
	return p, nil
}

func (r *PostgresGroupRepository) ListParticipants(ctx context.Context, groupID uuid.UUID) ([]group.Participant, error) {
	var ps []group.Participant
	err := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at ASC").
		Find(&ps).Error
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (r *PostgresGroupRepository) CountActiveParticipants(ctx context.Context, groupID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&group.Participant{}).
		Where("group_id = ? AND is_banned = ?", groupID, false).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresGroupRepository) GetBan(ctx context.Context, groupID, userID uuid.UUID) (group.Ban, error) {
	var b group.Ban
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return group.Ban{}, keyrelay_errors.ErrNotFound
		}
		return group.Ban{}, err
	}
	return b, nil
}

func (r *PostgresGroupRepository) CreateInvite(ctx context.Context, inv *group.Invite) error {
	res := r.db.WithContext(ctx).Create(inv)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return keyrelay_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresGroupRepository) GetInviteByCode(ctx context.Context, code string) (group.Invite, error) {
	var inv group.Invite
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return group.Invite{}, keyrelay_errors.ErrNotFound
		}
		return group.Invite{}, err
	}
	return inv, nil
}

func (r *PostgresGroupRepository) ListInvites(ctx context.Context, groupID uuid.UUID) ([]group.Invite, error) {
	var invites []group.Invite
	err := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at DESC").
		Find(&invites).Error
	if err != nil {
		return nil, err
	}
	return invites, nil
}

func (r *PostgresGroupRepository) DeleteInvite(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&group.Invite{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return keyrelay_errors.ErrNotFound
	}
	return nil
}
