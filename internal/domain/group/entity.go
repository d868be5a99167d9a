package group

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	InviteTypeLink   = "link"
	InviteTypeDirect = "direct"
)

// Group represents secure_groups. group_epoch is the monotonic counter
// clients watch to know when the decrypting audience changed.
type Group struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title           string    `gorm:"size:120;not null"`
	About           string    `gorm:"size:500"`
	CreatedBy       uuid.UUID `gorm:"type:uuid;not null"`
	MaxParticipants int       `gorm:"not null"`
	GroupEpoch      int64     `gorm:"not null"`
	IsClosed        bool      `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Participant represents secure_group_participants. Banned rows are
// retained so the ban survives the membership row.
type Participant struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_group_participant"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_group_participant"`
	Role       string    `gorm:"size:16;not null"`
	IsBanned   bool      `gorm:"not null"`
	MutedUntil *time.Time
	JoinedAt   time.Time
}

// Ban represents secure_group_bans, authoritative independent of the
// participant row.
type Ban struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_group_ban"`
	UserID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_group_ban"`
	BannedBy uuid.UUID `gorm:"type:uuid;not null"`
	Reason   string    `gorm:"size:255"`
	BannedAt time.Time
}

// Invite represents secure_group_invites. MaxUses zero means unlimited;
// target_user_id is set iff the invite is direct.
type Invite struct {
	ID           uuid.UUID     `gorm:"type:uuid;primaryKey"`
	GroupID      uuid.UUID     `gorm:"type:uuid;not null;index"`
	CreatedBy    uuid.UUID     `gorm:"type:uuid;not null"`
	Type         string        `gorm:"size:16;not null"`
	Code         string        `gorm:"size:16;not null;uniqueIndex"`
	ExpiresAt    *time.Time
	MaxUses      int           `gorm:"not null"`
	Uses         int           `gorm:"not null"`
	TargetUserID uuid.NullUUID `gorm:"type:uuid"`
	CreatedAt    time.Time
}

func (Group) TableName() string {
	return "secure_groups"
}

func (Participant) TableName() string {
	return "secure_group_participants"
}

func (Ban) TableName() string {
	return "secure_group_bans"
}

func (Invite) TableName() string {
	return "secure_group_invites"
}
