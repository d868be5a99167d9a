package repository

import (
	"context"
	"errors"
	"time"

	"keyrelay/internal/domain/conversation"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &PostgresConversationRepository{db: db}
}

func (r *PostgresConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conversation.Conversation{}, keyrelay_errors.ErrNotFound
		}
		return conversation.Conversation{}, err
	}
	return c, nil
}

func (r *PostgresConversationRepository) GetByPairKey(ctx context.Context, pairKey string) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := r.db.WithContext(ctx).Where("pair_key = ?", pairKey).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conversation.Conversation{}, keyrelay_errors.ErrNotFound
		}
		return conversation.Conversation{}, err
	}
	return c, nil
}

// GetByMembers finds the 1:1 conversation via a membership join. Kept as
// a fallback for rows written before pair_key existed.
func (r *PostgresConversationRepository) GetByMembers(ctx context.Context, userA, userB uuid.UUID) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := r.db.WithContext(ctx).
		Model(&conversation.Conversation{}).
		Joins("JOIN dm_participants p ON p.conversation_id = dm_conversations.id").
		Where("p.user_id IN ?", []uuid.UUID{userA, userB}).
		Group("dm_conversations.id").
		Having("COUNT(DISTINCT p.user_id) = 2").
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conversation.Conversation{}, keyrelay_errors.ErrNotFound
		}
		return conversation.Conversation{}, err
	}
	return c, nil
}

func (r *PostgresConversationRepository) CreateWithParticipants(ctx context.Context, c *conversation.Conversation, ps []conversation.Participant) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		for i := range ps {
			ps[i].ConversationID = c.ID
			if err := tx.Create(&ps[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return keyrelay_errors.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *PostgresConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]conversation.Conversation, error) {
	var convs []conversation.Conversation
	q := r.db.WithContext(ctx).
		Model(&conversation.Conversation{}).
		Joins("JOIN dm_participants p ON p.conversation_id = dm_conversations.id").
		Where("p.user_id = ?", userID).
		Order("COALESCE(dm_conversations.last_message_at, dm_conversations.created_at) DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *PostgresConversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]conversation.Participant, error) {
	var ps []conversation.Participant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Find(&ps).Error
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (r *PostgresConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&conversation.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PostgresConversationRepository) UpdateParticipantDevices(ctx context.Context, conversationID, userID uuid.UUID, deviceIDs string) error {
	res := r.db.WithContext(ctx).
		Model(&conversation.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("device_ids", deviceIDs)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return keyrelay_errors.ErrNotFound
	}
	return nil
}

// touchLastMessage is shared with the message repository's send path.
func touchLastMessage(tx *gorm.DB, conversationID uuid.UUID, at time.Time) error {
	return tx.Model(&conversation.Conversation{}).
		Where("id = ?", conversationID).
		Update("last_message_at", at).Error
}
