package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Conversation represents dm_conversations. Exactly two participants;
// pair_key deduplicates the unordered user pair.
type Conversation struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	PairKey       string    `gorm:"size:64;not null;uniqueIndex"`
	CreatedAt     time.Time
	LastMessageAt *time.Time
}

// Participant represents dm_participants. The device-id list is a cached
// projection; security decisions re-derive it from the device table.
type Participant struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_dm_participant_conv_user"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_dm_participant_conv_user"`
	DeviceIDs      string    `gorm:"type:text"`
	CreatedAt      time.Time
}

// PairKey computes the order-independent hash identifying the 1:1
// conversation between two users.
func PairKey(a, b uuid.UUID) string {
	lo, hi := a.String(), b.String()
	if lo > hi {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(lo + ":" + hi))
	return hex.EncodeToString(sum[:])
}

func (Conversation) TableName() string {
	return "dm_conversations"
}

func (Participant) TableName() string {
	return "dm_participants"
}
