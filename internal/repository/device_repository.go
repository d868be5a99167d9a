package repository

import (
	"context"
	"errors"
	"time"

	"keyrelay/internal/domain/device"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresDeviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

func (r *PostgresDeviceRepository) Create(ctx context.Context, d *device.Device) error {
	res := r.db.WithContext(ctx).Create(d)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return keyrelay_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (device.Device, error) {
	var d device.Device
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return device.Device{}, keyrelay_errors.ErrNotFound
		}
		return device.Device{}, err
	}
	return d, nil
}

func (r *PostgresDeviceRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]device.Device, error) {
	var devices []device.Device
	err := r.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerID).
		Order("created_at ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *PostgresDeviceRepository) ListActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]device.Device, error) {
	var devices []device.Device
	err := r.db.WithContext(ctx).
		Where("owner_user_id = ? AND status = ?", ownerID, device.StatusActive).
		Order("created_at ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *PostgresDeviceRepository) ActiveDeviceIDs(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&device.Device{}).
		Where("owner_user_id = ? AND status = ?", ownerID, device.StatusActive).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *PostgresDeviceRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, name string) error {
	updates := map[string]interface{}{"last_seen_at": time.Now()}
	if name != "" {
		updates["display_name"] = name
	}
	res := r.db.WithContext(ctx).
		Model(&device.Device{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return keyrelay_errors.ErrNotFound
	}
	return nil
}

// Revoke marks the device revoked and writes the audit row. Returns false
// without an error when the device was already revoked.
func (r *PostgresDeviceRepository) Revoke(ctx context.Context, id uuid.UUID, revokedBy uuid.UUID, reason string) (bool, error) {
	revoked := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&device.Device{}).
			Where("id = ? AND status = ?", id, device.StatusActive).
			Update("status", device.StatusRevoked)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&device.Device{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return keyrelay_errors.ErrNotFound
			}
			// already revoked, keep idempotent
			return nil
		}
		revoked = true
		return tx.Create(&device.Revocation{
			ID:        uuid.New(),
			DeviceID:  id,
			RevokedBy: revokedBy,
			Reason:    reason,
		}).Error
	})
	if err != nil {
		return false, err
	}
	return revoked, nil
}

func (r *PostgresDeviceRepository) AppendIdentityChange(ctx context.Context, e *device.IdentityChangeEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *PostgresDeviceRepository) CountIdentityChangesSince(ctx context.Context, deviceID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&device.IdentityChangeEvent{}).
		Where("device_id = ? AND created_at >= ?", deviceID, since).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresDeviceRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&device.Device{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
