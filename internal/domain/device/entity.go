package device

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

const (
	ReasonIdentityChange      = "identity_change"
	ReasonIdentityChangeBlock = "identity_change_block"
)

// Device represents e2ee_devices. Status only moves active -> revoked.
type Device struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index"`
	DisplayName string    `gorm:"size:120"`
	Status      string    `gorm:"size:16;not null"`
	CreatedAt   time.Time
	LastSeenAt  *time.Time
}

// Revocation represents e2ee_device_revocations, the audit row written
// whenever a device is revoked (operator action or identity-change block).
type Revocation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID  uuid.UUID `gorm:"type:uuid;not null;index"`
	RevokedBy uuid.UUID `gorm:"type:uuid;not null"`
	Reason    string    `gorm:"size:255"`
	CreatedAt time.Time
}

// IdentityChangeEvent represents e2ee_identity_change_events. Append-only;
// the rolling per-device count drives the alert and block thresholds.
type IdentityChangeEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null"`
	DeviceID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Reason    string    `gorm:"size:32;not null"`
	CreatedAt time.Time
}

func (Device) TableName() string {
	return "e2ee_devices"
}

func (Revocation) TableName() string {
	return "e2ee_device_revocations"
}

func (IdentityChangeEvent) TableName() string {
	return "e2ee_identity_change_events"
}
