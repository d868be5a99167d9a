package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"keyrelay/internal/domain/keys"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresKeyRepository struct {
	db *gorm.DB
}

func NewKeyRepository(db *gorm.DB) KeyRepository {
	return &PostgresKeyRepository{db: db}
}

func (r *PostgresKeyRepository) GetBundle(ctx context.Context, deviceID uuid.UUID) (keys.KeyBundle, error) {
	var b keys.KeyBundle
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return keys.KeyBundle{}, keyrelay_errors.ErrNotFound
		}
		return keys.KeyBundle{}, err
	}
	return b, nil
}

func (r *PostgresKeyRepository) GetBundles(ctx context.Context, deviceIDs []uuid.UUID) ([]keys.KeyBundle, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	var bundles []keys.KeyBundle
	err := r.db.WithContext(ctx).Where("device_id IN ?", deviceIDs).Find(&bundles).Error
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (r *PostgresKeyRepository) ReplaceBundle(ctx context.Context, b *keys.KeyBundle, prekeys []keys.OneTimePrekey) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing keys.KeyBundle
		err := tx.Where("device_id = ?", b.DeviceID).First(&existing).Error
		switch {
		case err == nil:
			b.ID = existing.ID
			b.BundleVersion = existing.BundleVersion + 1
			b.CreatedAt = existing.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			b.ID = uuid.New()
			b.BundleVersion = 1
		default:
			return err
		}

		// Unclaimed prekeys from the prior upload are dead once a new
		// bundle replaces them; claimed rows stay for audit.
		if err := tx.Where("device_id = ? AND claimed = ?", b.DeviceID, false).
			Delete(&keys.OneTimePrekey{}).Error; err != nil {
			return err
		}
		if len(prekeys) > 0 {
			if err := tx.Create(&prekeys).Error; err != nil {
				return err
			}
		}

		b.PrekeysRemaining = len(prekeys)
		b.UpdatedAt = time.Now()
		return tx.Save(b).Error
	})
}

func (r *PostgresKeyRepository) GetPrekey(ctx context.Context, id uuid.UUID) (keys.OneTimePrekey, error) {
	var pk keys.OneTimePrekey
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&pk).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return keys.OneTimePrekey{}, keyrelay_errors.ErrNotFound
		}
		return keys.OneTimePrekey{}, err
	}
	return pk, nil
}

func (r *PostgresKeyRepository) ClaimPrekey(ctx context.Context, prekeyID uuid.UUID, claimedBy uuid.UUID) (keys.OneTimePrekey, error) {
	var pk keys.OneTimePrekey

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Conditional update: only the first concurrent claimant flips the
		// row, everyone else sees zero rows affected.
		res := tx.Model(&keys.OneTimePrekey{}).
			Where("id = ? AND claimed = ?", prekeyID, false).
			Updates(map[string]interface{}{
				"claimed":    true,
				"claimed_by": claimedBy,
				"claimed_at": sql.NullTime{Time: time.Now(), Valid: true},
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return keyrelay_errors.ErrConflict
		}

		if err := tx.Where("id = ?", prekeyID).First(&pk).Error; err != nil {
			return err
		}

		// Recompute rather than decrement so the projection stays right
		// under concurrent claims.
		var remaining int64
		if err := tx.Model(&keys.OneTimePrekey{}).
			Where("device_id = ? AND claimed = ?", pk.DeviceID, false).
			Count(&remaining).Error; err != nil {
			return err
		}
		return tx.Model(&keys.KeyBundle{}).
			Where("device_id = ?", pk.DeviceID).
			Update("prekeys_remaining", remaining).Error
	})

	if err != nil {
		return keys.OneTimePrekey{}, err
	}
	return pk, nil
}

func (r *PostgresKeyRepository) CountUnclaimed(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&keys.OneTimePrekey{}).
		Where("device_id = ? AND claimed = ?", deviceID, false).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresKeyRepository) SyncRemaining(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	var remaining int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&keys.OneTimePrekey{}).
			Where("device_id = ? AND claimed = ?", deviceID, false).
			Count(&remaining).Error; err != nil {
			return err
		}
		return tx.Model(&keys.KeyBundle{}).
			Where("device_id = ?", deviceID).
			Update("prekeys_remaining", remaining).Error
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

func (r *PostgresKeyRepository) UnclaimedCountsByDevice(ctx context.Context) (map[uuid.UUID]int64, error) {
	type row struct {
		DeviceID uuid.UUID
		Count    int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&keys.OneTimePrekey{}).
		Select("device_id, count(*) as count").
		Where("claimed = ?", false).
		Group("device_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[uuid.UUID]int64, len(rows))
	for _, r := range rows {
		counts[r.DeviceID] = r.Count
	}
	return counts, nil
}

func (r *PostgresKeyRepository) CountStaleBundles(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&keys.KeyBundle{}).
		Where("updated_at < ?", olderThan).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
