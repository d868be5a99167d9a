package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"keyrelay/internal/domain/message"
	keyrelay_errors "keyrelay/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messageFixture struct {
	env      *testEnv
	alice    uuid.UUID
	bob      uuid.UUID
	aliceDev uuid.UUID
	bobDev   uuid.UUID
	convID   uuid.UUID
}

func newMessageFixture(t *testing.T) messageFixture {
	t.Helper()
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)
	bob := env.createUser(t, "bob", false)
	return messageFixture{
		env:      env,
		alice:    alice,
		bob:      bob,
		aliceDev: env.uploadBundle(t, alice, []byte("alice-identity"), 3),
		bobDev:   env.uploadBundle(t, bob, []byte("bob-identity"), 3),
		convID:   env.connect(t, alice, bob),
	}
}

func (f messageFixture) send(t *testing.T, clientMessageID string) MessageView {
	t.Helper()
	view, err := f.env.messages.SendMessage(context.Background(), f.alice, SendMessageInput{
		ConversationID:  &f.convID,
		SenderDeviceID:  f.aliceDev,
		Ciphertext:      []byte("ciphertext"),
		ClientMessageID: clientMessageID,
	})
	require.NoError(t, err)
	return view
}

func TestSendConversationMessage(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)

	view := f.send(t, "client-1")
	assert.False(t, view.Duplicate)
	assert.Equal(t, f.alice, view.SenderUserID)
	assert.Equal(t, "double_ratchet", view.Proto)
	require.NotNil(t, view.ConversationID)
	assert.Equal(t, f.convID, *view.ConversationID)

	// The peer gets a receipt row, the sender does not.
	receipt, err := f.env.messageRepo.GetReceipt(ctx, view.ID, f.bob)
	require.NoError(t, err)
	assert.Nil(t, receipt.DeliveredAt)
	_, err = f.env.messageRepo.GetReceipt(ctx, view.ID, f.alice)
	assert.ErrorIs(t, err, keyrelay_errors.ErrNotFound)
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)

	t.Run("exactly one target", func(t *testing.T) {
		groupID := uuid.New()
		_, err := f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
			ConversationID: &f.convID,
			GroupID:        &groupID,
			SenderDeviceID: f.aliceDev,
			Ciphertext:     []byte("x"),
		})
		assert.ErrorIs(t, err, keyrelay_errors.ErrInvalidInput)

		_, err = f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
			SenderDeviceID: f.aliceDev,
			Ciphertext:     []byte("x"),
		})
		assert.ErrorIs(t, err, keyrelay_errors.ErrInvalidInput)
	})

	t.Run("oversized ciphertext", func(t *testing.T) {
		_, err := f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
			ConversationID: &f.convID,
			SenderDeviceID: f.aliceDev,
			Ciphertext:     bytes.Repeat([]byte{0x01}, f.env.cfg.MaxMessageBytes+1),
		})
		assert.ErrorIs(t, err, keyrelay_errors.ErrTooLarge)
		assert.Equal(t, f.env.cfg.MaxMessageBytes, keyrelay_errors.MetaOf(err)["max_bytes"])
	})

	t.Run("someone else's device", func(t *testing.T) {
		_, err := f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
			ConversationID: &f.convID,
			SenderDeviceID: f.bobDev,
			Ciphertext:     []byte("x"),
		})
		assert.ErrorIs(t, err, keyrelay_errors.ErrForbidden)
	})

	t.Run("revoked device", func(t *testing.T) {
		require.NoError(t, f.env.keys.RevokeDevice(ctx, f.alice, f.aliceDev, "lost"))
		_, err := f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
			ConversationID: &f.convID,
			SenderDeviceID: f.aliceDev,
			Ciphertext:     []byte("x"),
		})
		assert.Equal(t, keyrelay_errors.CodeDeviceRevoked, keyrelay_errors.CodeOf(err))
	})
}

func TestSendMessageBlocked(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)

	require.NoError(t, f.env.privacy.Block(ctx, f.bob, f.alice))
	_, err := f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
		ConversationID: &f.convID,
		SenderDeviceID: f.aliceDev,
		Ciphertext:     []byte("x"),
	})
	assert.Equal(t, keyrelay_errors.CodeBlocked, keyrelay_errors.CodeOf(err))
}

func TestSendMessageIdempotency(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)

	first := f.send(t, "retry-me")
	second := f.send(t, "retry-me")

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.env.db.Model(&message.Message{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// Idempotency keys are scoped per sender.
	view, err := f.env.messages.SendMessage(ctx, f.bob, SendMessageInput{
		ConversationID:  &f.convID,
		SenderDeviceID:  f.bobDev,
		Ciphertext:      []byte("reply"),
		ClientMessageID: "retry-me",
	})
	require.NoError(t, err)
	assert.False(t, view.Duplicate)
}

func TestSendMessageRateLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("burst window per target", func(t *testing.T) {
		f := newMessageFixture(t)
		f.env.cfg.MessagesPerBurst = 2

		f.send(t, "")
		f.send(t, "")
		_, err := f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
			ConversationID: &f.convID,
			SenderDeviceID: f.aliceDev,
			Ciphertext:     []byte("x"),
		})
		assert.ErrorIs(t, err, keyrelay_errors.ErrRateLimited)
		meta := keyrelay_errors.MetaOf(err)
		assert.Equal(t, 2, meta["limit"])
		assert.Equal(t, 0, meta["remaining"])
		retry, ok := meta["retry_after_seconds"].(int64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, retry, int64(1))
	})

	t.Run("global minute window", func(t *testing.T) {
		f := newMessageFixture(t)
		f.env.cfg.MessagesPerMinute = 3
		f.env.cfg.MessagesPerBurst = 100

		for i := 0; i < 3; i++ {
			f.send(t, "")
		}
		_, err := f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
			ConversationID: &f.convID,
			SenderDeviceID: f.aliceDev,
			Ciphertext:     []byte("x"),
		})
		assert.ErrorIs(t, err, keyrelay_errors.ErrRateLimited)
		assert.Equal(t, 3, keyrelay_errors.MetaOf(err)["limit"])
		assert.Equal(t, 0, keyrelay_errors.MetaOf(err)["remaining"])
	})

	t.Run("retransmits are free", func(t *testing.T) {
		f := newMessageFixture(t)
		f.env.cfg.MessagesPerBurst = 1

		f.send(t, "only")
		view := f.send(t, "only")
		assert.True(t, view.Duplicate)
	})
}

func TestSendGroupMessage(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)
	g := f.env.createGroup(t, f.alice)
	_, err := f.env.groups.AddMembers(ctx, f.alice, g.ID, []uuid.UUID{f.bob})
	require.NoError(t, err)
	epoch := f.env.epochOf(t, f.alice, g.ID)

	sendAt := func(e *int64) (MessageView, error) {
		return f.env.messages.SendMessage(ctx, f.alice, SendMessageInput{
			GroupID:        &g.ID,
			SenderDeviceID: f.aliceDev,
			Ciphertext:     []byte("ciphertext"),
			GroupEpoch:     e,
		})
	}

	t.Run("epoch is required", func(t *testing.T) {
		_, err := sendAt(nil)
		assert.ErrorIs(t, err, keyrelay_errors.ErrInvalidInput)
	})

	t.Run("stale epoch carries the current one", func(t *testing.T) {
		stale := epoch - 1
		_, err := sendAt(&stale)
		assert.Equal(t, keyrelay_errors.CodeEpochStale, keyrelay_errors.CodeOf(err))
		assert.ErrorIs(t, err, keyrelay_errors.ErrConflict)
		assert.Equal(t, epoch, keyrelay_errors.MetaOf(err)["current_epoch"])
	})

	t.Run("current epoch fans out to everyone but the sender", func(t *testing.T) {
		view, err := sendAt(&epoch)
		require.NoError(t, err)

		_, err = f.env.messageRepo.GetReceipt(ctx, view.ID, f.bob)
		require.NoError(t, err)
		_, err = f.env.messageRepo.GetReceipt(ctx, view.ID, f.alice)
		assert.ErrorIs(t, err, keyrelay_errors.ErrNotFound)
	})

	t.Run("non-members cannot send", func(t *testing.T) {
		mallory := f.env.createUser(t, "mallory", false)
		malloryDev := f.env.uploadBundle(t, mallory, []byte("mallory-identity"), 1)
		_, err := f.env.messages.SendMessage(ctx, mallory, SendMessageInput{
			GroupID:        &g.ID,
			SenderDeviceID: malloryDev,
			Ciphertext:     []byte("x"),
			GroupEpoch:     &epoch,
		})
		assert.ErrorIs(t, err, keyrelay_errors.ErrForbidden)
	})

	t.Run("muted members cannot send", func(t *testing.T) {
		until := time.Now().Add(time.Hour)
		require.NoError(t, f.env.groups.Mute(ctx, f.alice, g.ID, f.bob, until))
		_, err := f.env.messages.SendMessage(ctx, f.bob, SendMessageInput{
			GroupID:        &g.ID,
			SenderDeviceID: f.bobDev,
			Ciphertext:     []byte("x"),
			GroupEpoch:     &epoch,
		})
		assert.ErrorIs(t, err, keyrelay_errors.ErrForbidden)
		assert.Contains(t, keyrelay_errors.MetaOf(err), "muted_until")
		require.NoError(t, f.env.groups.Unmute(ctx, f.alice, g.ID, f.bob))
	})

	t.Run("banned members cannot send", func(t *testing.T) {
		require.NoError(t, f.env.groups.Ban(ctx, f.alice, g.ID, f.bob, "spam"))
		current := f.env.epochOf(t, f.alice, g.ID)
		_, err := f.env.messages.SendMessage(ctx, f.bob, SendMessageInput{
			GroupID:        &g.ID,
			SenderDeviceID: f.bobDev,
			Ciphertext:     []byte("x"),
			GroupEpoch:     &current,
		})
		assert.Equal(t, keyrelay_errors.CodeBanned, keyrelay_errors.CodeOf(err))
	})
}

func TestMessageHistory(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)

	f.send(t, "m1")
	f.send(t, "m2")
	f.send(t, "m3")

	t.Run("chronological order", func(t *testing.T) {
		msgs, err := f.env.messages.GetConversationMessages(ctx, f.bob, f.convID, time.Now().Add(time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "m1", msgs[0].ClientMessageID)
		assert.Equal(t, "m3", msgs[2].ClientMessageID)
	})

	t.Run("outsiders are refused", func(t *testing.T) {
		mallory := f.env.createUser(t, "mallory", false)
		_, err := f.env.messages.GetConversationMessages(ctx, mallory, f.convID, time.Now(), 0)
		assert.ErrorIs(t, err, keyrelay_errors.ErrForbidden)
	})

	t.Run("limit is applied", func(t *testing.T) {
		msgs, err := f.env.messages.GetConversationMessages(ctx, f.alice, f.convID, time.Now().Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})
}

func TestReceipts(t *testing.T) {
	ctx := context.Background()

	t.Run("delivered then read", func(t *testing.T) {
		f := newMessageFixture(t)
		msg := f.send(t, "")

		receipt, err := f.env.messages.MarkDelivered(ctx, f.bob, msg.ID)
		require.NoError(t, err)
		require.NotNil(t, receipt.DeliveredAt)
		assert.Nil(t, receipt.ReadAt)

		receipt, err = f.env.messages.MarkRead(ctx, f.bob, msg.ID)
		require.NoError(t, err)
		assert.NotNil(t, receipt.DeliveredAt)
		assert.NotNil(t, receipt.ReadAt)
	})

	t.Run("read without a delivered ack", func(t *testing.T) {
		f := newMessageFixture(t)
		msg := f.send(t, "")

		// Some clients never send the delivered ack; read stands alone.
		receipt, err := f.env.messages.MarkRead(ctx, f.bob, msg.ID)
		require.NoError(t, err)
		assert.Nil(t, receipt.DeliveredAt)
		assert.NotNil(t, receipt.ReadAt)
	})

	t.Run("timestamps are set once", func(t *testing.T) {
		f := newMessageFixture(t)
		msg := f.send(t, "")

		first, err := f.env.messages.MarkDelivered(ctx, f.bob, msg.ID)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		second, err := f.env.messages.MarkDelivered(ctx, f.bob, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, *first.DeliveredAt, *second.DeliveredAt)
	})

	t.Run("only the recipient holds a receipt", func(t *testing.T) {
		f := newMessageFixture(t)
		msg := f.send(t, "")

		_, err := f.env.messages.MarkDelivered(ctx, f.alice, msg.ID)
		assert.ErrorIs(t, err, keyrelay_errors.ErrNotFound)

		mallory := f.env.createUser(t, "mallory", false)
		_, err = f.env.messages.MarkRead(ctx, mallory, msg.ID)
		assert.ErrorIs(t, err, keyrelay_errors.ErrNotFound)
	})
}

func TestMessagingFeatureGate(t *testing.T) {
	f := newMessageFixture(t)
	f.env.cfg.E2EEEnabled = false

	_, err := f.env.messages.SendMessage(context.Background(), f.alice, SendMessageInput{
		ConversationID: &f.convID,
		SenderDeviceID: f.aliceDev,
		Ciphertext:     []byte("x"),
	})
	assert.Equal(t, keyrelay_errors.CodeFeatureDisabled, keyrelay_errors.CodeOf(err))
}

func TestMetricsSummary(t *testing.T) {
	ctx := context.Background()
	f := newMessageFixture(t)
	operator := f.env.createUser(t, "operator", true)

	t.Run("operators only", func(t *testing.T) {
		_, err := f.env.metrics.GetSummary(ctx, f.alice)
		assert.ErrorIs(t, err, keyrelay_errors.ErrForbidden)
	})

	t.Run("summary reflects stored state", func(t *testing.T) {
		f.send(t, "")
		summary, err := f.env.metrics.GetSummary(ctx, operator)
		require.NoError(t, err)
		assert.Equal(t, int64(2), summary.PrekeyPools.Devices)
		assert.GreaterOrEqual(t, summary.MessageVolume.Today, int64(1))
		assert.GreaterOrEqual(t, summary.Backlog.Undelivered, int64(1))
		assert.False(t, summary.PublishTransportUp)
	})
}
