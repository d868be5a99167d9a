package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"keyrelay/config"
	"keyrelay/internal/domain/device"
	"keyrelay/internal/domain/message"
	"keyrelay/internal/events"
	"keyrelay/internal/repository"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/google/uuid"
)

const timeLayout = time.RFC3339

// MessageService relays opaque ciphertext between participants. The
// server never inspects payloads; it only enforces membership, size,
// epoch and rate rules before storing them.
type MessageService struct {
	cfg       *config.Config
	messages  repository.MessageRepository
	convs     repository.ConversationRepository
	groups    repository.GroupRepository
	devices   repository.DeviceRepository
	identity  repository.IdentityRepository
	publisher events.Publisher
	logger    *logger.Logger
}

func NewMessageService(
	cfg *config.Config,
	messages repository.MessageRepository,
	convs repository.ConversationRepository,
	groups repository.GroupRepository,
	devices repository.DeviceRepository,
	identity repository.IdentityRepository,
	publisher events.Publisher,
	l *logger.Logger,
) *MessageService {
	return &MessageService{
		cfg:       cfg,
		messages:  messages,
		convs:     convs,
		groups:    groups,
		devices:   devices,
		identity:  identity,
		publisher: publisher,
		logger:    l,
	}
}

type SendMessageInput struct {
	ConversationID  *uuid.UUID
	GroupID         *uuid.UUID
	SenderDeviceID  uuid.UUID
	Ciphertext      []byte
	Proto           string
	GroupEpoch      *int64
	ClientMessageID string
}

type MessageView struct {
	ID              uuid.UUID  `json:"id"`
	ConversationID  *uuid.UUID `json:"conversation_id,omitempty"`
	GroupID         *uuid.UUID `json:"group_id,omitempty"`
	SenderUserID    uuid.UUID  `json:"sender_user_id"`
	SenderDeviceID  uuid.UUID  `json:"sender_device_id"`
	Ciphertext      []byte     `json:"ciphertext"`
	Proto           string     `json:"proto"`
	GroupEpoch      *int64     `json:"group_epoch,omitempty"`
	ClientMessageID string     `json:"client_message_id,omitempty"`
	CreatedAt       string     `json:"created_at"`
	Duplicate       bool       `json:"duplicate,omitempty"`
}

type ReceiptView struct {
	MessageID       uuid.UUID `json:"message_id"`
	RecipientUserID uuid.UUID `json:"recipient_user_id"`
	DeliveredAt     *string   `json:"delivered_at,omitempty"`
	ReadAt          *string   `json:"read_at,omitempty"`
}

func (s *MessageService) gate() error {
	if !s.cfg.E2EEEnabled {
		return keyrelay_errors.New(keyrelay_errors.CodeFeatureDisabled,
			"end-to-end encrypted messaging is disabled", keyrelay_errors.ErrFeatureDisabled)
	}
	return nil
}

func (s *MessageService) SendMessage(ctx context.Context, callerID uuid.UUID, in SendMessageInput) (MessageView, error) {
	if err := s.gate(); err != nil {
		return MessageView{}, err
	}
	if (in.ConversationID == nil) == (in.GroupID == nil) {
		return MessageView{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"exactly one of conversation_id or group_id is required", keyrelay_errors.ErrInvalidInput)
	}
	if len(in.Ciphertext) == 0 {
		return MessageView{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"ciphertext must not be empty", keyrelay_errors.ErrInvalidInput)
	}
	if len(in.Ciphertext) > s.cfg.MaxMessageBytes {
		return MessageView{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"ciphertext exceeds the size limit", keyrelay_errors.ErrTooLarge).
			WithMeta("max_bytes", s.cfg.MaxMessageBytes)
	}

	sender, err := s.devices.GetByID(ctx, in.SenderDeviceID)
	if err != nil {
		return MessageView{}, err
	}
	if sender.OwnerUserID != callerID {
		return MessageView{}, keyrelay_errors.ErrForbidden
	}
	if sender.Status != device.StatusActive {
		return MessageView{}, keyrelay_errors.New(keyrelay_errors.CodeDeviceRevoked,
			"sending device has been revoked", keyrelay_errors.ErrForbidden)
	}

	var (
		convID     uuid.NullUUID
		groupID    uuid.NullUUID
		epoch      sql.NullInt64
		recipients []uuid.UUID
	)
	switch {
	case in.ConversationID != nil:
		convID = uuid.NullUUID{UUID: *in.ConversationID, Valid: true}
		recipients, err = s.checkConversationSend(ctx, callerID, *in.ConversationID)
	default:
		groupID = uuid.NullUUID{UUID: *in.GroupID, Valid: true}
		recipients, err = s.checkGroupSend(ctx, callerID, *in.GroupID, in.GroupEpoch)
		if err == nil {
			epoch = sql.NullInt64{Int64: *in.GroupEpoch, Valid: true}
		}
	}
	if err != nil {
		return MessageView{}, err
	}

	// Retransmits of an already-stored message short-circuit before the
	// rate limiter so retries never count against the sender.
	if in.ClientMessageID != "" {
		existing, err := s.messages.GetByClientMessageID(ctx, callerID, convID, groupID, in.ClientMessageID)
		if err == nil {
			view := s.messageView(existing)
			view.Duplicate = true
			return view, nil
		}
		if !errors.Is(err, keyrelay_errors.ErrNotFound) {
			return MessageView{}, err
		}
	}

	if err := s.checkRateLimits(ctx, callerID, convID, groupID); err != nil {
		return MessageView{}, err
	}

	proto := in.Proto
	if proto == "" {
		proto = "double_ratchet"
	}
	msg := message.Message{
		ID:              uuid.New(),
		ConversationID:  convID,
		GroupID:         groupID,
		SenderUserID:    callerID,
		SenderDeviceID:  in.SenderDeviceID,
		Ciphertext:      in.Ciphertext,
		Proto:           proto,
		GroupEpoch:      epoch,
		ClientMessageID: in.ClientMessageID,
		CreatedAt:       time.Now(),
	}
	if err := s.messages.CreateWithReceipts(ctx, &msg, recipients); err != nil {
		return MessageView{}, err
	}

	if err := s.publisher.Publish(ctx, events.MessageCreatedEvent{
		Type:           events.EventTypeMessageCreated,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		GroupID:        msg.GroupID,
		SenderUserID:   msg.SenderUserID,
		CreatedAt:      msg.CreatedAt,
	}); err != nil {
		s.logger.Errorf("message_created publish dropped: %s", err)
	}
	return s.messageView(msg), nil
}

func (s *MessageService) checkConversationSend(ctx context.Context, callerID, conversationID uuid.UUID) ([]uuid.UUID, error) {
	if _, err := s.convs.GetByID(ctx, conversationID); err != nil {
		return nil, err
	}
	participants, err := s.convs.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var peer uuid.UUID
	member := false
	for _, p := range participants {
		if p.UserID == callerID {
			member = true
		} else {
			peer = p.UserID
		}
	}
	if !member {
		return nil, keyrelay_errors.ErrForbidden
	}
	blocked, err := s.identity.Blocked(ctx, callerID, peer)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, keyrelay_errors.New(keyrelay_errors.CodeBlocked,
			"messaging between these users is blocked", keyrelay_errors.ErrForbidden)
	}
	return []uuid.UUID{peer}, nil
}

func (s *MessageService) checkGroupSend(ctx context.Context, callerID, groupID uuid.UUID, epoch *int64) ([]uuid.UUID, error) {
	g, err := s.groups.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	p, err := s.groups.GetParticipant(ctx, groupID, callerID)
	if err != nil {
		if errors.Is(err, keyrelay_errors.ErrNotFound) {
			return nil, keyrelay_errors.ErrForbidden
		}
		return nil, err
	}
	if p.IsBanned {
		return nil, keyrelay_errors.New(keyrelay_errors.CodeBanned,
			"user is banned from this group", keyrelay_errors.ErrForbidden)
	}
	if p.MutedUntil != nil && p.MutedUntil.After(time.Now()) {
		return nil, keyrelay_errors.New(keyrelay_errors.CodeForbidden,
			"user is muted in this group", keyrelay_errors.ErrForbidden).
			WithMeta("muted_until", p.MutedUntil.Format(timeLayout))
	}
	if epoch == nil {
		return nil, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"group messages must carry the sender's group_epoch", keyrelay_errors.ErrInvalidInput)
	}
	// A sender on an old epoch would encrypt for a stale audience, so
	// the message is refused and the caller re-keys first.
	if *epoch != g.GroupEpoch {
		return nil, keyrelay_errors.New(keyrelay_errors.CodeEpochStale,
			"group epoch has moved on", keyrelay_errors.ErrConflict).
			WithMeta("current_epoch", g.GroupEpoch)
	}

	members, err := s.groups.ListParticipants(ctx, groupID)
	if err != nil {
		return nil, err
	}
	recipients := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if m.IsBanned || m.UserID == callerID {
			continue
		}
		recipients = append(recipients, m.UserID)
	}
	return recipients, nil
}

// checkRateLimits derives the sender's recent send rate from persisted
// messages: a global per-minute window plus a short per-target burst
// window. No counters to drift, the message table is the ledger.
func (s *MessageService) checkRateLimits(ctx context.Context, senderID uuid.UUID, convID, groupID uuid.NullUUID) error {
	now := time.Now()

	globalWindow := time.Minute
	globalSince := now.Add(-globalWindow)
	count, err := s.messages.CountBySenderSince(ctx, senderID, globalSince)
	if err != nil {
		return err
	}
	if count >= int64(s.cfg.MessagesPerMinute) {
		oldest, err := s.messages.OldestBySenderSince(ctx, senderID, globalSince)
		if err != nil {
			return err
		}
		return rateLimitError(s.cfg.MessagesPerMinute, oldest.Add(globalWindow).Sub(now))
	}

	burstWindow := time.Duration(s.cfg.BurstWindowSeconds) * time.Second
	burstSince := now.Add(-burstWindow)
	count, err = s.messages.CountBySenderInTargetSince(ctx, senderID, convID, groupID, burstSince)
	if err != nil {
		return err
	}
	if count >= int64(s.cfg.MessagesPerBurst) {
		oldest, err := s.messages.OldestBySenderInTargetSince(ctx, senderID, convID, groupID, burstSince)
		if err != nil {
			return err
		}
		return rateLimitError(s.cfg.MessagesPerBurst, oldest.Add(burstWindow).Sub(now))
	}
	return nil
}

func rateLimitError(limit int, retryAfter time.Duration) error {
	seconds := int64(retryAfter.Seconds()) + 1
	if seconds < 1 {
		seconds = 1
	}
	return keyrelay_errors.New(keyrelay_errors.CodeRateLimited,
		"message rate limit exceeded", keyrelay_errors.ErrRateLimited).
		WithMeta("limit", limit).
		WithMeta("remaining", 0).
		WithMeta("retry_after_seconds", seconds)
}

func (s *MessageService) GetConversationMessages(ctx context.Context, callerID, conversationID uuid.UUID, before time.Time, limit int) ([]MessageView, error) {
	ok, err := s.convs.IsParticipant(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, keyrelay_errors.ErrForbidden
	}
	msgs, err := s.messages.ListConversationMessages(ctx, conversationID, before, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return s.messageViews(msgs), nil
}

func (s *MessageService) GetGroupMessages(ctx context.Context, callerID, groupID uuid.UUID, before time.Time, limit int) ([]MessageView, error) {
	p, err := s.groups.GetParticipant(ctx, groupID, callerID)
	if err != nil {
		if errors.Is(err, keyrelay_errors.ErrNotFound) {
			return nil, keyrelay_errors.ErrForbidden
		}
		return nil, err
	}
	if p.IsBanned {
		return nil, keyrelay_errors.New(keyrelay_errors.CodeBanned,
			"user is banned from this group", keyrelay_errors.ErrForbidden)
	}
	msgs, err := s.messages.ListGroupMessages(ctx, groupID, before, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return s.messageViews(msgs), nil
}

func (s *MessageService) MarkDelivered(ctx context.Context, callerID, messageID uuid.UUID) (ReceiptView, error) {
	return s.updateReceipt(ctx, callerID, messageID, "delivered")
}

// MarkRead touches only read_at. A client that never sent the
// delivered ack still produces a read receipt, so read_at can exist
// with delivered_at unset.
func (s *MessageService) MarkRead(ctx context.Context, callerID, messageID uuid.UUID) (ReceiptView, error) {
	return s.updateReceipt(ctx, callerID, messageID, "read")
}

func (s *MessageService) updateReceipt(ctx context.Context, callerID, messageID uuid.UUID, kind string) (ReceiptView, error) {
	if _, err := s.messages.GetReceipt(ctx, messageID, callerID); err != nil {
		return ReceiptView{}, err
	}
	switch kind {
	case "read":
		if err := s.messages.MarkRead(ctx, messageID, callerID); err != nil {
			return ReceiptView{}, err
		}
	default:
		if err := s.messages.MarkDelivered(ctx, messageID, callerID); err != nil {
			return ReceiptView{}, err
		}
	}
	receipt, err := s.messages.GetReceipt(ctx, messageID, callerID)
	if err != nil {
		return ReceiptView{}, err
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return ReceiptView{}, err
	}
	if err := s.publisher.Publish(ctx, events.ReceiptUpdatedEvent{
		Type:            events.EventTypeReceiptUpdated,
		MessageID:       messageID,
		RecipientUserID: callerID,
		SenderUserID:    msg.SenderUserID,
		Kind:            kind,
		At:              time.Now(),
	}); err != nil {
		s.logger.Errorf("receipt_updated publish dropped: %s", err)
	}
	return receiptView(receipt), nil
}

func (s *MessageService) messageView(m message.Message) MessageView {
	view := MessageView{
		ID:              m.ID,
		SenderUserID:    m.SenderUserID,
		SenderDeviceID:  m.SenderDeviceID,
		Ciphertext:      m.Ciphertext,
		Proto:           m.Proto,
		ClientMessageID: m.ClientMessageID,
		CreatedAt:       m.CreatedAt.Format(timeLayout),
	}
	if m.ConversationID.Valid {
		id := m.ConversationID.UUID
		view.ConversationID = &id
	}
	if m.GroupID.Valid {
		id := m.GroupID.UUID
		view.GroupID = &id
	}
	if m.GroupEpoch.Valid {
		epoch := m.GroupEpoch.Int64
		view.GroupEpoch = &epoch
	}
	return view
}

func (s *MessageService) messageViews(msgs []message.Message) []MessageView {
	// Repos return newest first; history reads chronologically.
	out := make([]MessageView, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, s.messageView(msgs[i]))
	}
	return out
}

func receiptView(r message.DeliveryReceipt) ReceiptView {
	view := ReceiptView{
		MessageID:       r.MessageID,
		RecipientUserID: r.RecipientUserID,
	}
	if r.DeliveredAt != nil {
		formatted := r.DeliveredAt.Format(timeLayout)
		view.DeliveredAt = &formatted
	}
	if r.ReadAt != nil {
		formatted := r.ReadAt.Format(timeLayout)
		view.ReadAt = &formatted
	}
	return view
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}
