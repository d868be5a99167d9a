package keys

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// KeyBundle represents e2ee_key_bundles. One row per device;
// bundle_version strictly increases on every re-upload.
type KeyBundle struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	IdentityKeyPub   []byte    `gorm:"not null"`
	SignedPrekeyPub  []byte    `gorm:"not null"`
	SignedPrekeySig  []byte    `gorm:"not null"`
	BundleVersion    int       `gorm:"not null"`
	PrekeysRemaining int       `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OneTimePrekey represents e2ee_onetime_prekeys. Claimed rows are kept
// for audit; unclaimed rows are purged when a new bundle replaces them.
type OneTimePrekey struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID          uuid.UUID `gorm:"type:uuid;not null;index"`
	PublicKeyMaterial []byte    `gorm:"not null"`
	Claimed           bool      `gorm:"not null"`
	ClaimedBy         uuid.NullUUID `gorm:"type:uuid"`
	ClaimedAt         sql.NullTime
	CreatedAt         time.Time
}

func (KeyBundle) TableName() string {
	return "e2ee_key_bundles"
}

func (OneTimePrekey) TableName() string {
	return "e2ee_onetime_prekeys"
}
