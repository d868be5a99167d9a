package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants. The set is closed on purpose: every publishable
// event is an explicit struct below, there is no generic dispatch.
const (
	EventTypeMessageCreated = "e2ee.message.created"
	EventTypeReceiptUpdated = "e2ee.receipt.updated"
	EventTypeEpochChanged   = "e2ee.group.epoch_changed"
	EventTypeBundleUpdated  = "e2ee.keys.bundle_updated"
	EventTypeDeviceRevoked  = "e2ee.device.revoked"
	EventTypePrekeyLow      = "e2ee.keys.prekey_low"
)

// Membership changes that bump a group epoch.
const (
	EpochChangeAdd    = "add"
	EpochChangeJoin   = "join"
	EpochChangeRemove = "remove"
	EpochChangeLeave  = "leave"
	EpochChangeBan    = "ban"
)

type Event interface {
	EventType() string
}

type MessageCreatedEvent struct {
	Type           string        `json:"type"`
	MessageID      uuid.UUID     `json:"message_id"`
	ConversationID uuid.NullUUID `json:"conversation_id,omitempty"`
	GroupID        uuid.NullUUID `json:"group_id,omitempty"`
	SenderUserID   uuid.UUID     `json:"sender_user_id"`
	CreatedAt      time.Time     `json:"created_at"`
}

type ReceiptUpdatedEvent struct {
	Type            string    `json:"type"`
	MessageID       uuid.UUID `json:"message_id"`
	RecipientUserID uuid.UUID `json:"recipient_user_id"`
	SenderUserID    uuid.UUID `json:"sender_user_id"`
	Kind            string    `json:"kind"` // delivered | read
	At              time.Time `json:"at"`
}

type EpochChangedEvent struct {
	Type       string    `json:"type"`
	GroupID    uuid.UUID `json:"group_id"`
	Epoch      int64     `json:"epoch"`
	ChangeKind string    `json:"change_kind"`
	ActorID    uuid.UUID `json:"actor_id"`
	At         time.Time `json:"at"`
}

type BundleUpdatedEvent struct {
	Type          string    `json:"type"`
	UserID        uuid.UUID `json:"user_id"`
	DeviceID      uuid.UUID `json:"device_id"`
	BundleVersion int       `json:"bundle_version"`
}

type DeviceRevokedEvent struct {
	Type     string    `json:"type"`
	UserID   uuid.UUID `json:"user_id"`
	DeviceID uuid.UUID `json:"device_id"`
	Reason   string    `json:"reason"`
}

type PrekeyLowEvent struct {
	Type      string    `json:"type"`
	UserID    uuid.UUID `json:"user_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	Remaining int64     `json:"remaining"`
	Level     string    `json:"level"` // low | critical
}

func (e MessageCreatedEvent) EventType() string { return EventTypeMessageCreated }
func (e ReceiptUpdatedEvent) EventType() string { return EventTypeReceiptUpdated }
func (e EpochChangedEvent) EventType() string   { return EventTypeEpochChanged }
func (e BundleUpdatedEvent) EventType() string  { return EventTypeBundleUpdated }
func (e DeviceRevokedEvent) EventType() string  { return EventTypeDeviceRevoked }
func (e PrekeyLowEvent) EventType() string      { return EventTypePrekeyLow }
