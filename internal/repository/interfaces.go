package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"keyrelay/internal/domain/conversation"
	"keyrelay/internal/domain/device"
	"keyrelay/internal/domain/group"
	"keyrelay/internal/domain/identity"
	"keyrelay/internal/domain/keys"
	"keyrelay/internal/domain/message"
)

type DeviceRepository interface {
	Create(ctx context.Context, d *device.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (device.Device, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]device.Device, error)
	ListActiveByOwner(ctx context.Context, ownerID uuid.UUID) ([]device.Device, error)
	ActiveDeviceIDs(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID, name string) error

	Revoke(ctx context.Context, id uuid.UUID, revokedBy uuid.UUID, reason string) (bool, error)

	AppendIdentityChange(ctx context.Context, e *device.IdentityChangeEvent) error
	CountIdentityChangesSince(ctx context.Context, deviceID uuid.UUID, since time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type KeyRepository interface {
	GetBundle(ctx context.Context, deviceID uuid.UUID) (keys.KeyBundle, error)
	GetBundles(ctx context.Context, deviceIDs []uuid.UUID) ([]keys.KeyBundle, error)

	// ReplaceBundle upserts the bundle, purges the device's unclaimed
	// prekeys and inserts the new batch as one transaction.
	ReplaceBundle(ctx context.Context, b *keys.KeyBundle, prekeys []keys.OneTimePrekey) error

	GetPrekey(ctx context.Context, id uuid.UUID) (keys.OneTimePrekey, error)
	// ClaimPrekey flips one unclaimed prekey via a conditional update.
	// At most one concurrent caller wins; the loser gets ErrConflict.
	ClaimPrekey(ctx context.Context, prekeyID uuid.UUID, claimedBy uuid.UUID) (keys.OneTimePrekey, error)
	CountUnclaimed(ctx context.Context, deviceID uuid.UUID) (int64, error)
	// SyncRemaining recomputes prekeys_remaining from the live unclaimed
	// count and returns the new value.
	SyncRemaining(ctx context.Context, deviceID uuid.UUID) (int64, error)

	UnclaimedCountsByDevice(ctx context.Context) (map[uuid.UUID]int64, error)
	CountStaleBundles(ctx context.Context, olderThan time.Time) (int64, error)
}

type ConversationRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	GetByPairKey(ctx context.Context, pairKey string) (conversation.Conversation, error)
	GetByMembers(ctx context.Context, userA, userB uuid.UUID) (conversation.Conversation, error)
	// CreateWithParticipants inserts the conversation and both participant
	// rows as one transaction.
	CreateWithParticipants(ctx context.Context, c *conversation.Conversation, ps []conversation.Participant) error

	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]conversation.Conversation, error)
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	UpdateParticipantDevices(ctx context.Context, conversationID, userID uuid.UUID, deviceIDs string) error
}

type GroupRepository interface {
	Create(ctx context.Context, g *group.Group, owner *group.Participant) error
	GetByID(ctx context.Context, id uuid.UUID) (group.Group, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]group.Group, error)
	Update(ctx context.Context, g group.Group) error

	// Locked loads the group under a row lock and runs fn inside the same
	// transaction, serializing membership changes per group.
	Locked(ctx context.Context, groupID uuid.UUID, fn func(tx *gorm.DB, g *group.Group) error) error

	GetParticipant(ctx context.Context, groupID, userID uuid.UUID) (group.Participant, error)
	ListParticipants(ctx context.Context, groupID uuid.UUID) ([]group.Participant, error)
	CountActiveParticipants(ctx context.Context, groupID uuid.UUID) (int64, error)

	GetBan(ctx context.Context, groupID, userID uuid.UUID) (group.Ban, error)

	CreateInvite(ctx context.Context, inv *group.Invite) error
	GetInviteByCode(ctx context.Context, code string) (group.Invite, error)
	ListInvites(ctx context.Context, groupID uuid.UUID) ([]group.Invite, error)
	DeleteInvite(ctx context.Context, id uuid.UUID) error
}

type MessageRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (message.Message, error)
	// CreateWithReceipts persists the message, one receipt per recipient
	// and the conversation's last-activity bump as one transaction.
	CreateWithReceipts(ctx context.Context, m *message.Message, recipients []uuid.UUID) error
	GetByClientMessageID(ctx context.Context, senderID uuid.UUID, conversationID, groupID uuid.NullUUID, clientMessageID string) (message.Message, error)

	ListConversationMessages(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]message.Message, error)
	ListGroupMessages(ctx context.Context, groupID uuid.UUID, before time.Time, limit int) ([]message.Message, error)

	CountBySenderSince(ctx context.Context, senderID uuid.UUID, since time.Time) (int64, error)
	CountBySenderInTargetSince(ctx context.Context, senderID uuid.UUID, conversationID, groupID uuid.NullUUID, since time.Time) (int64, error)
	OldestBySenderSince(ctx context.Context, senderID uuid.UUID, since time.Time) (time.Time, error)
	OldestBySenderInTargetSince(ctx context.Context, senderID uuid.UUID, conversationID, groupID uuid.NullUUID, since time.Time) (time.Time, error)

	GetReceipt(ctx context.Context, messageID, recipientID uuid.UUID) (message.DeliveryReceipt, error)
	MarkDelivered(ctx context.Context, messageID, recipientID uuid.UUID) error
	MarkRead(ctx context.Context, messageID, recipientID uuid.UUID) error
	CountUnreadInConversation(ctx context.Context, conversationID, recipientID uuid.UUID) (int64, error)

	CountSince(ctx context.Context, since time.Time) (int64, error)
	CountUndelivered(ctx context.Context) (int64, error)
	CountUnread(ctx context.Context) (int64, error)
	RecentDeliveryLatencies(ctx context.Context, limit int) ([]time.Duration, error)
}

type IdentityRepository interface {
	UserExists(ctx context.Context, id uuid.UUID) (bool, error)
	GetUser(ctx context.Context, id uuid.UUID) (identity.User, error)
	// Blocked reports whether either user blocks the other.
	Blocked(ctx context.Context, a, b uuid.UUID) (bool, error)

	CreateBlock(ctx context.Context, b *identity.Block) error
	DeleteBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error
	ListBlocks(ctx context.Context, blockerID uuid.UUID) ([]identity.Block, error)
}
