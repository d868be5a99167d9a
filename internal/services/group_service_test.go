package services

import (
	"context"
	"testing"
	"time"

	"keyrelay/internal/domain/group"
	"keyrelay/internal/events"
	"keyrelay/internal/repository"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotInviteRepo serves invite-by-code reads from a point-in-time
// copy, standing in for a redeemer whose fetch raced ahead of another
// redemption committing.
type snapshotInviteRepo struct {
	repository.GroupRepository
	snapshot group.Invite
}

func (r snapshotInviteRepo) GetInviteByCode(ctx context.Context, code string) (group.Invite, error) {
	return r.snapshot, nil
}

func (e *testEnv) createGroup(t *testing.T, owner uuid.UUID) GroupView {
	t.Helper()
	view, err := e.groups.CreateGroup(context.Background(), owner, "test group", "", 0)
	require.NoError(t, err)
	return view
}

func (e *testEnv) epochOf(t *testing.T, caller, groupID uuid.UUID) int64 {
	t.Helper()
	epoch, err := e.groups.CurrentEpoch(context.Background(), caller, groupID)
	require.NoError(t, err)
	return epoch
}

func TestGroupEpochProtocol(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := env.createUser(t, "owner", false)
	member := env.createUser(t, "member", false)
	admin := env.createUser(t, "admin", false)
	leaver := env.createUser(t, "leaver", false)

	g := env.createGroup(t, owner)
	assert.Equal(t, int64(0), g.GroupEpoch)

	// One add call, one bump, regardless of batch size.
	added, err := env.groups.AddMembers(ctx, owner, g.ID, []uuid.UUID{member, admin, leaver})
	require.NoError(t, err)
	assert.Len(t, added, 3)
	assert.Equal(t, int64(1), env.epochOf(t, owner, g.ID))

	// Re-adding existing members changes nothing, so no bump.
	added, err = env.groups.AddMembers(ctx, owner, g.ID, []uuid.UUID{member})
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, int64(1), env.epochOf(t, owner, g.ID))

	// Role and mute changes never move the epoch.
	require.NoError(t, env.groups.Promote(ctx, owner, g.ID, admin))
	require.NoError(t, env.groups.Mute(ctx, owner, g.ID, member, time.Now().Add(time.Hour)))
	require.NoError(t, env.groups.Unmute(ctx, owner, g.ID, member))
	require.NoError(t, env.groups.Demote(ctx, owner, g.ID, admin))
	assert.Equal(t, int64(1), env.epochOf(t, owner, g.ID))

	require.NoError(t, env.groups.Leave(ctx, leaver, g.ID))
	assert.Equal(t, int64(2), env.epochOf(t, owner, g.ID))

	require.NoError(t, env.groups.Ban(ctx, owner, g.ID, member, "spam"))
	assert.Equal(t, int64(3), env.epochOf(t, owner, g.ID))

	// Unban restores eligibility but the audience has not changed yet.
	require.NoError(t, env.groups.Unban(ctx, owner, g.ID, member))
	assert.Equal(t, int64(3), env.epochOf(t, owner, g.ID))

	require.NoError(t, env.groups.RemoveMember(ctx, owner, g.ID, admin))
	assert.Equal(t, int64(4), env.epochOf(t, owner, g.ID))
}

func TestGroupRoles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := env.createUser(t, "owner", false)
	member := env.createUser(t, "member", false)
	outsider := env.createUser(t, "outsider", false)

	g := env.createGroup(t, owner)
	_, err := env.groups.AddMembers(ctx, owner, g.ID, []uuid.UUID{member})
	require.NoError(t, err)

	// Plain members cannot manage membership.
	_, err = env.groups.AddMembers(ctx, member, g.ID, []uuid.UUID{outsider})
	assert.ErrorIs(t, err, keyrelay_errors.ErrForbidden)

	// The owner is untouchable.
	assert.Error(t, env.groups.RemoveMember(ctx, owner, g.ID, owner))
	assert.Error(t, env.groups.Ban(ctx, owner, g.ID, owner, ""))
	assert.Error(t, env.groups.Leave(ctx, owner, g.ID))

	// Promoted admins can manage membership but not roles.
	require.NoError(t, env.groups.Promote(ctx, owner, g.ID, member))
	_, err = env.groups.AddMembers(ctx, member, g.ID, []uuid.UUID{outsider})
	require.NoError(t, err)
	err = env.groups.Promote(ctx, member, g.ID, outsider)
	assert.ErrorIs(t, err, keyrelay_errors.ErrForbidden)
}

func TestGroupCapacity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.cfg.GroupMaxParticipants = 3
	owner := env.createUser(t, "owner", false)
	a := env.createUser(t, "a", false)
	b := env.createUser(t, "b", false)
	c := env.createUser(t, "c", false)

	g := env.createGroup(t, owner)

	// Capacity is checked before any row is written: a batch that
	// would overflow is refused whole.
	_, err := env.groups.AddMembers(ctx, owner, g.ID, []uuid.UUID{a, b, c})
	assert.Equal(t, keyrelay_errors.CodeGroupFull, keyrelay_errors.CodeOf(err))
	assert.Equal(t, int64(0), env.epochOf(t, owner, g.ID))

	added, err := env.groups.AddMembers(ctx, owner, g.ID, []uuid.UUID{a, b})
	require.NoError(t, err)
	assert.Len(t, added, 2)
}

func TestGroupInvites(t *testing.T) {
	ctx := context.Background()

	t.Run("direct invites need a target", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		g := env.createGroup(t, owner)

		_, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{Type: group.InviteTypeDirect})
		assert.Equal(t, keyrelay_errors.CodeTargetUserRequired, keyrelay_errors.CodeOf(err))
	})

	t.Run("expiry must be in the future", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		g := env.createGroup(t, owner)

		past := time.Now().Add(-time.Hour)
		_, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{
			Type:      group.InviteTypeLink,
			ExpiresAt: &past,
		})
		assert.Equal(t, keyrelay_errors.CodeExpiryInPast, keyrelay_errors.CodeOf(err))
	})

	t.Run("spent and expired invites drop out of the listing", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		joiner := env.createUser(t, "joiner", false)
		g := env.createGroup(t, owner)

		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{
			Type:    group.InviteTypeLink,
			MaxUses: 1,
		})
		require.NoError(t, err)

		live, err := env.groups.ListInvites(ctx, owner, g.ID)
		require.NoError(t, err)
		assert.Len(t, live, 1)

		_, err = env.groups.JoinByCode(ctx, joiner, inv.Code)
		require.NoError(t, err)

		live, err = env.groups.ListInvites(ctx, owner, g.ID)
		require.NoError(t, err)
		assert.Empty(t, live)
	})
}

func TestJoinByCode(t *testing.T) {
	ctx := context.Background()

	t.Run("join admits and bumps the epoch", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		joiner := env.createUser(t, "joiner", false)
		g := env.createGroup(t, owner)

		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{Type: group.InviteTypeLink})
		require.NoError(t, err)

		result, err := env.groups.JoinByCode(ctx, joiner, inv.Code)
		require.NoError(t, err)
		assert.Equal(t, g.ID, result.GroupID)
		assert.Equal(t, int64(1), result.GroupEpoch)
		assert.False(t, result.AlreadyMember)

		// A second redemption is a no-op and leaves the epoch alone.
		result, err = env.groups.JoinByCode(ctx, joiner, inv.Code)
		require.NoError(t, err)
		assert.True(t, result.AlreadyMember)
		assert.Equal(t, int64(1), result.GroupEpoch)
	})

	t.Run("expired invite is gone", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		joiner := env.createUser(t, "joiner", false)
		g := env.createGroup(t, owner)

		soon := time.Now().Add(50 * time.Millisecond)
		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{
			Type:      group.InviteTypeLink,
			ExpiresAt: &soon,
		})
		require.NoError(t, err)
		time.Sleep(60 * time.Millisecond)

		_, err = env.groups.JoinByCode(ctx, joiner, inv.Code)
		assert.Equal(t, keyrelay_errors.CodeGone, keyrelay_errors.CodeOf(err))
	})

	t.Run("max uses is enforced", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		first := env.createUser(t, "first", false)
		second := env.createUser(t, "second", false)
		g := env.createGroup(t, owner)

		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{
			Type:    group.InviteTypeLink,
			MaxUses: 1,
		})
		require.NoError(t, err)

		_, err = env.groups.JoinByCode(ctx, first, inv.Code)
		require.NoError(t, err)
		_, err = env.groups.JoinByCode(ctx, second, inv.Code)
		assert.Equal(t, keyrelay_errors.CodeMaxUses, keyrelay_errors.CodeOf(err))
	})

	t.Run("uses are judged against the locked row", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		first := env.createUser(t, "first", false)
		second := env.createUser(t, "second", false)
		g := env.createGroup(t, owner)

		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{
			Type:    group.InviteTypeLink,
			MaxUses: 1,
		})
		require.NoError(t, err)

		_, err = env.groups.JoinByCode(ctx, first, inv.Code)
		require.NoError(t, err)

		// The second redeemer's service sees the invite as it stood
		// before the first redemption committed. The re-read under the
		// group lock must still refuse the spent invite.
		racing := NewGroupService(env.cfg,
			snapshotInviteRepo{GroupRepository: env.groupRepo, snapshot: inv},
			env.idRepo, events.NopPublisher{}, logger.New(logger.DevelopmentMode))
		_, err = racing.JoinByCode(ctx, second, inv.Code)
		assert.Equal(t, keyrelay_errors.CodeMaxUses, keyrelay_errors.CodeOf(err))
		assert.Equal(t, int64(1), env.epochOf(t, owner, g.ID))
	})

	t.Run("banned users cannot come back through an invite", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		banned := env.createUser(t, "banned", false)
		g := env.createGroup(t, owner)

		_, err := env.groups.AddMembers(ctx, owner, g.ID, []uuid.UUID{banned})
		require.NoError(t, err)
		require.NoError(t, env.groups.Ban(ctx, owner, g.ID, banned, "spam"))

		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{Type: group.InviteTypeLink})
		require.NoError(t, err)

		_, err = env.groups.JoinByCode(ctx, banned, inv.Code)
		assert.Equal(t, keyrelay_errors.CodeBanned, keyrelay_errors.CodeOf(err))
	})

	t.Run("full group refuses joins", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.GroupMaxParticipants = 1
		owner := env.createUser(t, "owner", false)
		joiner := env.createUser(t, "joiner", false)
		g := env.createGroup(t, owner)

		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{Type: group.InviteTypeLink})
		require.NoError(t, err)

		_, err = env.groups.JoinByCode(ctx, joiner, inv.Code)
		assert.Equal(t, keyrelay_errors.CodeGroupFull, keyrelay_errors.CodeOf(err))
	})

	t.Run("direct invite only admits its target", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		target := env.createUser(t, "target", false)
		other := env.createUser(t, "other", false)
		g := env.createGroup(t, owner)

		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{
			Type:         group.InviteTypeDirect,
			TargetUserID: &target,
		})
		require.NoError(t, err)

		_, err = env.groups.JoinByCode(ctx, other, inv.Code)
		assert.Equal(t, keyrelay_errors.CodeNotInvited, keyrelay_errors.CodeOf(err))

		_, err = env.groups.JoinByCode(ctx, target, inv.Code)
		require.NoError(t, err)
	})

	t.Run("revoked invite stops working", func(t *testing.T) {
		env := newTestEnv(t)
		owner := env.createUser(t, "owner", false)
		joiner := env.createUser(t, "joiner", false)
		g := env.createGroup(t, owner)

		inv, err := env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{Type: group.InviteTypeLink})
		require.NoError(t, err)
		require.NoError(t, env.groups.RevokeInvite(ctx, owner, g.ID, inv.ID))

		_, err = env.groups.JoinByCode(ctx, joiner, inv.Code)
		assert.ErrorIs(t, err, keyrelay_errors.ErrNotFound)
	})
}

func TestCloseGroup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	owner := env.createUser(t, "owner", false)
	late := env.createUser(t, "late", false)
	g := env.createGroup(t, owner)

	require.NoError(t, env.groups.CloseGroup(ctx, owner, g.ID))

	_, err := env.groups.AddMembers(ctx, owner, g.ID, []uuid.UUID{late})
	assert.Equal(t, keyrelay_errors.CodeConflict, keyrelay_errors.CodeOf(err))

	_, err = env.groups.CreateInvite(ctx, owner, g.ID, CreateInviteInput{Type: group.InviteTypeLink})
	assert.Equal(t, keyrelay_errors.CodeConflict, keyrelay_errors.CodeOf(err))
}
