package services

import (
	"context"
	"testing"

	"keyrelay/internal/domain/conversation"
	"keyrelay/internal/events"
	"keyrelay/internal/repository"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// missOnceRepo reports the conversation absent on the first lookups,
// reproducing a creator that slipped in between this caller's miss and
// its insert.
type missOnceRepo struct {
	repository.ConversationRepository
	pairKeyMisses int
	memberMisses  int
}

func (r *missOnceRepo) GetByPairKey(ctx context.Context, pairKey string) (conversation.Conversation, error) {
	if r.pairKeyMisses > 0 {
		r.pairKeyMisses--
		return conversation.Conversation{}, keyrelay_errors.ErrNotFound
	}
	return r.ConversationRepository.GetByPairKey(ctx, pairKey)
}

func (r *missOnceRepo) GetByMembers(ctx context.Context, userA, userB uuid.UUID) (conversation.Conversation, error) {
	if r.memberMisses > 0 {
		r.memberMisses--
		return conversation.Conversation{}, keyrelay_errors.ErrNotFound
	}
	return r.ConversationRepository.GetByMembers(ctx, userA, userB)
}

func TestFindOrCreateConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("both directions converge on one conversation", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.createUser(t, "alice", false)
		bob := env.createUser(t, "bob", false)

		first, err := env.convs.FindOrCreate(ctx, alice, bob)
		require.NoError(t, err)
		second, err := env.convs.FindOrCreate(ctx, bob, alice)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("self conversation is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.createUser(t, "alice", false)

		_, err := env.convs.FindOrCreate(ctx, alice, alice)
		assert.Equal(t, keyrelay_errors.CodeInvalidRequest, keyrelay_errors.CodeOf(err))
	})

	t.Run("unknown peer is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.createUser(t, "alice", false)

		_, err := env.convs.FindOrCreate(ctx, alice, uuid.New())
		assert.ErrorIs(t, err, keyrelay_errors.ErrNotFound)
	})

	t.Run("blocked pair cannot open a conversation", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.createUser(t, "alice", false)
		bob := env.createUser(t, "bob", false)
		require.NoError(t, env.privacy.Block(ctx, alice, bob))

		_, err := env.convs.FindOrCreate(ctx, alice, bob)
		assert.Equal(t, keyrelay_errors.CodeBlocked, keyrelay_errors.CodeOf(err))

		// The block works in both directions.
		_, err = env.convs.FindOrCreate(ctx, bob, alice)
		assert.Equal(t, keyrelay_errors.CodeBlocked, keyrelay_errors.CodeOf(err))
	})

	t.Run("losing the create race converges on the winner", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.createUser(t, "alice", false)
		bob := env.createUser(t, "bob", false)
		winner := env.connect(t, bob, alice)

		// Both lookups miss once, so the service goes for the insert,
		// collides on pair_key and must re-read the existing row.
		racing := NewConversationService(
			&missOnceRepo{ConversationRepository: env.convRepo, pairKeyMisses: 1, memberMisses: 1},
			env.deviceRepo, env.messageRepo, env.idRepo,
			events.NopPublisher{}, logger.New(logger.DevelopmentMode))

		view, err := racing.FindOrCreate(ctx, alice, bob)
		require.NoError(t, err)
		assert.Equal(t, winner, view.ID)

		var count int64
		require.NoError(t, env.db.Model(&conversation.Conversation{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("view carries each participant's active devices", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.createUser(t, "alice", false)
		bob := env.createUser(t, "bob", false)
		env.uploadBundle(t, bob, []byte("ik-b1"), 1)
		revoked := env.uploadBundle(t, bob, []byte("ik-b2"), 1)
		require.NoError(t, env.keys.RevokeDevice(ctx, bob, revoked, "lost"))

		view, err := env.convs.FindOrCreate(ctx, alice, bob)
		require.NoError(t, err)
		for _, p := range view.Participants {
			if p.UserID == bob {
				assert.Len(t, p.DeviceIDs, 1)
			}
		}
	})
}

func TestConversationAccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)
	bob := env.createUser(t, "bob", false)
	mallory := env.createUser(t, "mallory", false)
	conversationID := env.connect(t, alice, bob)

	_, err := env.convs.GetConversation(ctx, mallory, conversationID)
	assert.ErrorIs(t, err, keyrelay_errors.ErrForbidden)

	view, err := env.convs.GetConversation(ctx, alice, conversationID)
	require.NoError(t, err)
	assert.Equal(t, conversationID, view.ID)

	summaries, err := env.convs.ListConversations(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, bob, summaries[0].PeerUserID)
}
