package message

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Message represents e2ee_messages. Immutable once written; exactly one
// of conversation_id / group_id is set. GroupEpoch records the epoch the
// sender encrypted under for group traffic.
type Message struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	ConversationID  uuid.NullUUID `gorm:"type:uuid;index"`
	GroupID         uuid.NullUUID `gorm:"type:uuid;index"`
	SenderUserID    uuid.UUID     `gorm:"type:uuid;not null;index"`
	SenderDeviceID  uuid.UUID     `gorm:"type:uuid;not null"`
	Ciphertext      []byte        `gorm:"not null"`
	Proto           string        `gorm:"size:32;not null"`
	GroupEpoch      sql.NullInt64
	ClientMessageID string        `gorm:"size:64;index"`
	CreatedAt       time.Time     `gorm:"index"`
}

// DeliveryReceipt represents e2ee_delivery_receipts. One row per
// (message, recipient); each timestamp is set at most once.
type DeliveryReceipt struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	MessageID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_receipt_message_recipient"`
	RecipientUserID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_receipt_message_recipient"`
	DeliveredAt     *time.Time
	ReadAt          *time.Time
	CreatedAt       time.Time
}

func (Message) TableName() string {
	return "e2ee_messages"
}

func (DeliveryReceipt) TableName() string {
	return "e2ee_delivery_receipts"
}
