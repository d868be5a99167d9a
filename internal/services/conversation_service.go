package services

import (
	"context"
	"encoding/json"
	"errors"

	"keyrelay/internal/domain/conversation"
	"keyrelay/internal/events"
	"keyrelay/internal/repository"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/google/uuid"
)

// ConversationService is the 1:1 directory: pairwise lookup and
// creation, idempotent under concurrent duplicate creates.
type ConversationService struct {
	convs     repository.ConversationRepository
	devices   repository.DeviceRepository
	messages  repository.MessageRepository
	identity  repository.IdentityRepository
	publisher events.Publisher
	logger    *logger.Logger
}

func NewConversationService(
	convs repository.ConversationRepository,
	devices repository.DeviceRepository,
	messages repository.MessageRepository,
	identity repository.IdentityRepository,
	publisher events.Publisher,
	l *logger.Logger,
) *ConversationService {
	return &ConversationService{
		convs:     convs,
		devices:   devices,
		messages:  messages,
		identity:  identity,
		publisher: publisher,
		logger:    l,
	}
}

func pairKeyOf(a, b uuid.UUID) string {
	return conversation.PairKey(a, b)
}

type ParticipantView struct {
	UserID    uuid.UUID   `json:"user_id"`
	DeviceIDs []uuid.UUID `json:"device_ids"`
}

type ConversationView struct {
	ID            uuid.UUID         `json:"id"`
	Participants  []ParticipantView `json:"participants"`
	CreatedAt     string            `json:"created_at"`
	LastMessageAt *string           `json:"last_message_at,omitempty"`
}

type ConversationSummary struct {
	ID            uuid.UUID  `json:"id"`
	PeerUserID    uuid.UUID  `json:"peer_user_id"`
	UnreadCount   int64      `json:"unread_count"`
	CreatedAt     string     `json:"created_at"`
	LastMessageAt *string    `json:"last_message_at,omitempty"`
}

func (s *ConversationService) FindOrCreate(ctx context.Context, callerID, peerUserID uuid.UUID) (ConversationView, error) {
	if callerID == peerUserID {
		return ConversationView{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"cannot open a conversation with yourself", keyrelay_errors.ErrInvalidInput)
	}
	exists, err := s.identity.UserExists(ctx, peerUserID)
	if err != nil {
		return ConversationView{}, err
	}
	if !exists {
		return ConversationView{}, keyrelay_errors.ErrNotFound
	}
	blocked, err := s.identity.Blocked(ctx, callerID, peerUserID)
	if err != nil {
		return ConversationView{}, err
	}
	if blocked {
		return ConversationView{}, keyrelay_errors.New(keyrelay_errors.CodeBlocked,
			"users block each other", keyrelay_errors.ErrForbidden)
	}

	pairKey := pairKeyOf(callerID, peerUserID)
	if conv, err := s.convs.GetByPairKey(ctx, pairKey); err == nil {
		return s.buildView(ctx, conv)
	} else if !errors.Is(err, keyrelay_errors.ErrNotFound) {
		return ConversationView{}, err
	}
	if conv, err := s.convs.GetByMembers(ctx, callerID, peerUserID); err == nil {
		return s.buildView(ctx, conv)
	} else if !errors.Is(err, keyrelay_errors.ErrNotFound) {
		return ConversationView{}, err
	}

	conv := conversation.Conversation{
		ID:      uuid.New(),
		PairKey: pairKey,
	}
	participants := []conversation.Participant{
		{ID: uuid.New(), UserID: callerID},
		{ID: uuid.New(), UserID: peerUserID},
	}
	for i := range participants {
		cached, err := s.cachedDeviceIDs(ctx, participants[i].UserID)
		if err != nil {
			return ConversationView{}, err
		}
		participants[i].DeviceIDs = cached
	}

	err = s.convs.CreateWithParticipants(ctx, &conv, participants)
	if errors.Is(err, keyrelay_errors.ErrAlreadyExists) {
		// Lost the uniqueness race: converge on the winner.
		winner, rerr := s.convs.GetByPairKey(ctx, pairKey)
		if rerr != nil {
			return ConversationView{}, rerr
		}
		return s.buildView(ctx, winner)
	}
	if err != nil {
		return ConversationView{}, err
	}
	return s.buildView(ctx, conv)
}

func (s *ConversationService) GetConversation(ctx context.Context, callerID, conversationID uuid.UUID) (ConversationView, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	member, err := s.convs.IsParticipant(ctx, conversationID, callerID)
	if err != nil {
		return ConversationView{}, err
	}
	if !member {
		return ConversationView{}, keyrelay_errors.ErrForbidden
	}
	return s.buildView(ctx, conv)
}

func (s *ConversationService) ListConversations(ctx context.Context, callerID uuid.UUID, limit int) ([]ConversationSummary, error) {
	convs, err := s.convs.ListForUser(ctx, callerID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		participants, err := s.convs.GetParticipants(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		peer := uuid.Nil
		for _, p := range participants {
			if p.UserID != callerID {
				peer = p.UserID
			}
		}
		unread, err := s.messages.CountUnreadInConversation(ctx, conv.ID, callerID)
		if err != nil {
			return nil, err
		}
		summary := ConversationSummary{
			ID:          conv.ID,
			PeerUserID:  peer,
			UnreadCount: unread,
			CreatedAt:   conv.CreatedAt.Format(timeLayout),
		}
		if conv.LastMessageAt != nil {
			formatted := conv.LastMessageAt.Format(timeLayout)
			summary.LastMessageAt = &formatted
		}
		out = append(out, summary)
	}
	return out, nil
}

// buildView re-derives each participant's device ids from the device
// table and refreshes the cached column. The cache is a projection,
// never an authority.
func (s *ConversationService) buildView(ctx context.Context, conv conversation.Conversation) (ConversationView, error) {
	participants, err := s.convs.GetParticipants(ctx, conv.ID)
	if err != nil {
		return ConversationView{}, err
	}

	view := ConversationView{
		ID:        conv.ID,
		CreatedAt: conv.CreatedAt.Format(timeLayout),
	}
	if conv.LastMessageAt != nil {
		formatted := conv.LastMessageAt.Format(timeLayout)
		view.LastMessageAt = &formatted
	}

	for _, p := range participants {
		ids, err := s.devices.ActiveDeviceIDs(ctx, p.UserID)
		if err != nil {
			return ConversationView{}, err
		}
		cached, err := encodeDeviceIDs(ids)
		if err != nil {
			return ConversationView{}, err
		}
		if cached != p.DeviceIDs {
			if err := s.convs.UpdateParticipantDevices(ctx, conv.ID, p.UserID, cached); err != nil {
				s.logger.Errorf("device cache refresh failed for %s: %s", p.UserID, err)
			}
		}
		view.Participants = append(view.Participants, ParticipantView{
			UserID:    p.UserID,
			DeviceIDs: ids,
		})
	}
	return view, nil
}

func (s *ConversationService) cachedDeviceIDs(ctx context.Context, userID uuid.UUID) (string, error) {
	ids, err := s.devices.ActiveDeviceIDs(ctx, userID)
	if err != nil {
		return "", err
	}
	return encodeDeviceIDs(ids)
}

func encodeDeviceIDs(ids []uuid.UUID) (string, error) {
	if ids == nil {
		ids = []uuid.UUID{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
