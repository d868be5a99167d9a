package repository

import (
	"context"
	"errors"
	"time"

	"keyrelay/internal/domain/message"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresMessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &PostgresMessageRepository{db: db}
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	var m message.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.Message{}, keyrelay_errors.ErrNotFound
		}
		return message.Message{}, err
	}
	return m, nil
}

func (r *PostgresMessageRepository) CreateWithReceipts(ctx context.Context, m *message.Message, recipients []uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		for _, recipient := range recipients {
			receipt := message.DeliveryReceipt{
				ID:              uuid.New(),
				MessageID:       m.ID,
				RecipientUserID: recipient,
			}
			if err := tx.Create(&receipt).Error; err != nil {
				return err
			}
		}
		if m.ConversationID.Valid {
			return touchLastMessage(tx, m.ConversationID.UUID, m.CreatedAt)
		}
		return nil
	})
}

func (r *PostgresMessageRepository) GetByClientMessageID(ctx context.Context, senderID uuid.UUID, conversationID, groupID uuid.NullUUID, clientMessageID string) (message.Message, error) {
	var m message.Message
	q := r.db.WithContext(ctx).
		Where("sender_user_id = ? AND client_message_id = ?", senderID, clientMessageID)
	if conversationID.Valid {
		q = q.Where("conversation_id = ?", conversationID.UUID)
	}
	if groupID.Valid {
		q = q.Where("group_id = ?", groupID.UUID)
	}
	err := q.First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.Message{}, keyrelay_errors.ErrNotFound
		}
		return message.Message{}, err
	}
	return m, nil
}

// ListConversationMessages queries descending for pagination correctness;
// the service reverses the page back to chronological order.
func (r *PostgresMessageRepository) ListConversationMessages(ctx context.Context, conversationID uuid.UUID, before time.Time, limit int) ([]message.Message, error) {
	var msgs []message.Message
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC")
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PostgresMessageRepository) ListGroupMessages(ctx context.Context, groupID uuid.UUID, before time.Time, limit int) ([]message.Message, error) {
	var msgs []message.Message
	q := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at DESC")
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *PostgresMessageRepository) CountBySenderSince(ctx context.Context, senderID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("sender_user_id = ? AND created_at >= ?", senderID, since).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresMessageRepository) CountBySenderInTargetSince(ctx context.Context, senderID uuid.UUID, conversationID, groupID uuid.NullUUID, since time.Time) (int64, error) {
	var count int64
	q := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("sender_user_id = ? AND created_at >= ?", senderID, since)
	if conversationID.Valid {
		q = q.Where("conversation_id = ?", conversationID.UUID)
	}
	if groupID.Valid {
		q = q.Where("group_id = ?", groupID.UUID)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresMessageRepository) OldestBySenderSince(ctx context.Context, senderID uuid.UUID, since time.Time) (time.Time, error) {
	var m message.Message
	err := r.db.WithContext(ctx).
		Where("sender_user_id = ? AND created_at >= ?", senderID, since).
		Order("created_at ASC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, keyrelay_errors.ErrNotFound
		}
		return time.Time{}, err
	}
	return m.CreatedAt, nil
}

func (r *PostgresMessageRepository) OldestBySenderInTargetSince(ctx context.Context, senderID uuid.UUID, conversationID, groupID uuid.NullUUID, since time.Time) (time.Time, error) {
	var m message.Message
	q := r.db.WithContext(ctx).
		Where("sender_user_id = ? AND created_at >= ?", senderID, since).
		Order("created_at ASC")
	if conversationID.Valid {
		q = q.Where("conversation_id = ?", conversationID.UUID)
	}
	if groupID.Valid {
		q = q.Where("group_id = ?", groupID.UUID)
	}
	err := q.First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, keyrelay_errors.ErrNotFound
		}
		return time.Time{}, err
	}
	return m.CreatedAt, nil
}

func (r *PostgresMessageRepository) GetReceipt(ctx context.Context, messageID, recipientID uuid.UUID) (message.DeliveryReceipt, error) {
	var rec message.DeliveryReceipt
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND recipient_user_id = ?", messageID, recipientID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.DeliveryReceipt{}, keyrelay_errors.ErrNotFound
		}
		return message.DeliveryReceipt{}, err
	}
	return rec, nil
}

// MarkDelivered sets delivered_at at most once. A second call is a no-op,
// a missing receipt is ErrNotFound.
func (r *PostgresMessageRepository) MarkDelivered(ctx context.Context, messageID, recipientID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&message.DeliveryReceipt{}).
		Where("message_id = ? AND recipient_user_id = ? AND delivered_at IS NULL", messageID, recipientID).
		Update("delivered_at", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		_, err := r.GetReceipt(ctx, messageID, recipientID)
		return err
	}
	return nil
}

func (r *PostgresMessageRepository) MarkRead(ctx context.Context, messageID, recipientID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&message.DeliveryReceipt{}).
		Where("message_id = ? AND recipient_user_id = ? AND read_at IS NULL", messageID, recipientID).
		Update("read_at", time.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		_, err := r.GetReceipt(ctx, messageID, recipientID)
		return err
	}
	return nil
}

func (r *PostgresMessageRepository) CountUnreadInConversation(ctx context.Context, conversationID, recipientID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&message.DeliveryReceipt{}).
		Joins("JOIN e2ee_messages m ON m.id = e2ee_delivery_receipts.message_id").
		Where("m.conversation_id = ? AND e2ee_delivery_receipts.recipient_user_id = ? AND e2ee_delivery_receipts.read_at IS NULL",
			conversationID, recipientID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresMessageRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&message.Message{}).
		Where("created_at >= ?", since).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresMessageRepository) CountUndelivered(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&message.DeliveryReceipt{}).
		Where("delivered_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresMessageRepository) CountUnread(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&message.DeliveryReceipt{}).
		Where("read_at IS NULL").
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecentDeliveryLatencies returns created-to-delivered gaps for the most
// recently delivered receipts. The average is computed in Go so the query
// stays portable across dialects.
func (r *PostgresMessageRepository) RecentDeliveryLatencies(ctx context.Context, limit int) ([]time.Duration, error) {
	type row struct {
		CreatedAt   time.Time
		DeliveredAt time.Time
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&message.DeliveryReceipt{}).
		Select("m.created_at as created_at, e2ee_delivery_receipts.delivered_at as delivered_at").
		Joins("JOIN e2ee_messages m ON m.id = e2ee_delivery_receipts.message_id").
		Where("e2ee_delivery_receipts.delivered_at IS NOT NULL").
		Order("e2ee_delivery_receipts.delivered_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	latencies := make([]time.Duration, 0, len(rows))
	for _, r := range rows {
		latencies = append(latencies, r.DeliveredAt.Sub(r.CreatedAt))
	}
	return latencies, nil
}
