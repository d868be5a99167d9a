package services

import (
	"context"
	"errors"
	"time"

	"keyrelay/internal/domain/identity"
	"keyrelay/internal/repository"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/google/uuid"
)

// PrivacyService manages user-to-user blocks. A block in either
// direction shuts down key fetches, prekey claims and 1:1 sends.
type PrivacyService struct {
	identity repository.IdentityRepository
}

func NewPrivacyService(identity repository.IdentityRepository) *PrivacyService {
	return &PrivacyService{identity: identity}
}

type BlockView struct {
	BlockedUserID uuid.UUID `json:"blocked_user_id"`
	CreatedAt     string    `json:"created_at"`
}

func (s *PrivacyService) Block(ctx context.Context, callerID, targetID uuid.UUID) error {
	if callerID == targetID {
		return keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"users cannot block themselves", keyrelay_errors.ErrInvalidInput)
	}
	exists, err := s.identity.UserExists(ctx, targetID)
	if err != nil {
		return err
	}
	if !exists {
		return keyrelay_errors.ErrNotFound
	}
	err = s.identity.CreateBlock(ctx, &identity.Block{
		ID:        uuid.New(),
		BlockerID: callerID,
		BlockedID: targetID,
		CreatedAt: time.Now(),
	})
	// Blocking an already-blocked user is a no-op.
	if errors.Is(err, keyrelay_errors.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (s *PrivacyService) Unblock(ctx context.Context, callerID, targetID uuid.UUID) error {
	return s.identity.DeleteBlock(ctx, callerID, targetID)
}

func (s *PrivacyService) ListBlocks(ctx context.Context, callerID uuid.UUID) ([]BlockView, error) {
	blocks, err := s.identity.ListBlocks(ctx, callerID)
	if err != nil {
		return nil, err
	}
	out := make([]BlockView, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, BlockView{
			BlockedUserID: b.BlockedID,
			CreatedAt:     b.CreatedAt.Format(timeLayout),
		})
	}
	return out, nil
}
