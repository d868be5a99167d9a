package repository

import (
	"context"
	"errors"

	"keyrelay/internal/domain/identity"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresIdentityRepository struct {
	db *gorm.DB
}

func NewIdentityRepository(db *gorm.DB) IdentityRepository {
	return &PostgresIdentityRepository{db: db}
}

func (r *PostgresIdentityRepository) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&identity.User{}).
		Where("id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PostgresIdentityRepository) GetUser(ctx context.Context, id uuid.UUID) (identity.User, error) {
	var u identity.User
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return identity.User{}, keyrelay_errors.ErrNotFound
		}
		return identity.User{}, err
	}
	return u, nil
}

func (r *PostgresIdentityRepository) Blocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&identity.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PostgresIdentityRepository) CreateBlock(ctx context.Context, b *identity.Block) error {
	res := r.db.WithContext(ctx).Create(b)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return keyrelay_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresIdentityRepository) DeleteBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Delete(&identity.Block{}, "blocker_id = ? AND blocked_id = ?", blockerID, blockedID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return keyrelay_errors.ErrNotFound
	}
	return nil
}

func (r *PostgresIdentityRepository) ListBlocks(ctx context.Context, blockerID uuid.UUID) ([]identity.Block, error) {
	var blocks []identity.Block
	err := r.db.WithContext(ctx).
		Where("blocker_id = ?", blockerID).
		Order("created_at DESC").
		Find(&blocks).Error
	if err != nil {
		return nil, err
	}
	return blocks, nil
}
