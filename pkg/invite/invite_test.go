package invite

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahma/sidecar/pkg/permission"
	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, storage.Store, *clockwork.FakeClock) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateWorkspace(&types.Workspace{ID: "w1", Name: "w", OwnerID: "owner"}))

	clock := clockwork.NewFakeClock()
	engine := permission.NewEngine(store)
	return NewManager(store, engine, clock), store, clock
}

func workspaceRef() types.EntityRef {
	return types.EntityRef{Type: types.EntityWorkspace, ID: "w1"}
}

func TestCreateMintsUnguessableToken(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	a, err := mgr.Create(workspaceRef(), types.PermissionEditor, CreateOptions{})
	require.NoError(t, err)
	b, err := mgr.Create(workspaceRef(), types.PermissionEditor, CreateOptions{})
	require.NoError(t, err)

	assert.Len(t, a.Token, 64, "token is 32 random bytes hex encoded")
	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, types.PermissionEditor, a.Permission)
}

func TestCreateValidates(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	badUses := 0

	tests := []struct {
		name   string
		entity types.EntityRef
		perm   types.Permission
		opts   CreateOptions
	}{
		{name: "bad entity type", entity: types.EntityRef{Type: "node", ID: "x"}, perm: types.PermissionViewer},
		{name: "empty entity id", entity: types.EntityRef{Type: types.EntityWorkspace}, perm: types.PermissionViewer},
		{name: "bad permission", entity: workspaceRef(), perm: types.Permission("root")},
		{name: "none permission", entity: workspaceRef(), perm: types.PermissionNone},
		{name: "zero maxUses", entity: workspaceRef(), perm: types.PermissionViewer, opts: CreateOptions{MaxUses: &badUses}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.Create(tt.entity, tt.perm, tt.opts)
			assert.Error(t, err)
		})
	}
}

// Share link redemption up to the use cap, then INVITE_EXPIRED semantics
// for the next user.
func TestRedeemUseCap(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	engine := permission.NewEngine(store)

	maxUses := 2
	created, err := mgr.Create(workspaceRef(), types.PermissionEditor, CreateOptions{MaxUses: &maxUses})
	require.NoError(t, err)

	// User A redeems.
	inv, change, err := mgr.Redeem("userA", created.Token)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, types.PermissionEditor, change.New)
	assert.Equal(t, 1, inv.Uses)
	assert.False(t, inv.Spent)

	perm, err := engine.Effective("userA", workspaceRef())
	require.NoError(t, err)
	assert.Equal(t, types.PermissionEditor, perm)

	// User B redeems; the invite is now spent.
	inv, _, err = mgr.Redeem("userB", created.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.Uses)
	assert.True(t, inv.Spent)

	// User C is out of luck.
	_, _, err = mgr.Redeem("userC", created.Token)
	assert.ErrorIs(t, err, ErrExpired)

	// A and B keep their grants.
	perm, err = engine.Effective("userB", workspaceRef())
	require.NoError(t, err)
	assert.Equal(t, types.PermissionEditor, perm)
}

func TestRedeemIsIdempotentPerUser(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	maxUses := 2
	created, err := mgr.Create(workspaceRef(), types.PermissionViewer, CreateOptions{MaxUses: &maxUses})
	require.NoError(t, err)

	_, _, err = mgr.Redeem("userA", created.Token)
	require.NoError(t, err)

	// The retry succeeds without burning a second use.
	inv, change, err := mgr.Redeem("userA", created.Token)
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.Equal(t, 1, inv.Uses)
}

func TestRedeemExpired(t *testing.T) {
	mgr, _, clock := newTestManager(t)

	expiry := clock.Now().Add(time.Hour)
	created, err := mgr.Create(workspaceRef(), types.PermissionViewer, CreateOptions{ExpiresAt: &expiry})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, _, err = mgr.Redeem("userA", created.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRedeemPastMaxAge(t *testing.T) {
	mgr, _, clock := newTestManager(t)

	// No explicit expiry, but the hard age bound still applies.
	created, err := mgr.Create(workspaceRef(), types.PermissionViewer, CreateOptions{})
	require.NoError(t, err)

	clock.Advance(MaxInviteAge + time.Minute)

	_, _, err = mgr.Redeem("userA", created.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRedeemUnknownToken(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, _, err := mgr.Redeem("userA", "deadbeef")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInvalidate(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	created, err := mgr.Create(workspaceRef(), types.PermissionEditor, CreateOptions{})
	require.NoError(t, err)

	_, _, err = mgr.Redeem("userA", created.Token)
	require.NoError(t, err)
	_, _, err = mgr.Redeem("userB", created.Token)
	require.NoError(t, err)

	invalidated, err := mgr.Invalidate(created.Token)
	require.NoError(t, err)
	require.NotNil(t, invalidated.ExpiresAt)
	assert.ElementsMatch(t, []string{"userA", "userB"}, invalidated.RedeemedBy,
		"the caller needs the redeemer list to emit link-invalidated events")

	_, _, err = mgr.Redeem("userC", created.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func seedSweepFixtures(t *testing.T, store storage.Store, now time.Time) {
	t.Helper()
	past := now.Add(-time.Minute)

	// Expired invite, a fresh one, and an old one with no expiry.
	require.NoError(t, store.CreateInvite(&types.Invite{Token: "expired", EntityType: types.EntityWorkspace, EntityID: "w1", Permission: types.PermissionViewer, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: &past}))
	require.NoError(t, store.CreateInvite(&types.Invite{Token: "fresh", EntityType: types.EntityWorkspace, EntityID: "w1", Permission: types.PermissionViewer, CreatedAt: now}))
	require.NoError(t, store.CreateInvite(&types.Invite{Token: "stale", EntityType: types.EntityWorkspace, EntityID: "w1", Permission: types.PermissionViewer, CreatedAt: now.Add(-25 * time.Hour)}))
}

// Tier 1 ignores invites without an expiry; tier 2 collects them by age.
func TestSweepTiers(t *testing.T) {
	_, store, clock := newTestManager(t)
	sweeper := NewSweeper(store, clock)
	sweeper.Start()
	defer sweeper.Stop()

	now := clock.Now()
	seedSweepFixtures(t, store, now)

	// Half an hour in, nothing is due.
	sweeper.sweepDue(now.Add(30 * time.Minute))
	_, err := store.GetInvite("expired")
	assert.NoError(t, err)

	// At one hour tier 1 runs: the expired invite goes, the stale
	// no-expiry invite survives.
	sweeper.sweepDue(now.Add(Tier1Interval))
	_, err = store.GetInvite("expired")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetInvite("stale")
	assert.NoError(t, err)

	// At six hours tier 2 collects the stale invite regardless of expiry.
	sweeper.sweepDue(now.Add(Tier2Interval))
	_, err = store.GetInvite("stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetInvite("fresh")
	assert.NoError(t, err)
}

// A long sleep collapses into one sweep per tier instead of a burst.
func TestMissedTicksCollapse(t *testing.T) {
	_, store, clock := newTestManager(t)
	sweeper := NewSweeper(store, clock)
	sweeper.Start()
	defer sweeper.Stop()

	now := clock.Now()
	seedSweepFixtures(t, store, now)

	// Ten hours pass in one jump; a single call handles both tiers.
	later := now.Add(10 * time.Hour)
	sweeper.sweepDue(later)

	invites, err := store.ListInvites()
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, "fresh", invites[0].Token)

	// Re-running immediately is a no-op.
	sweeper.sweepDue(later)
	invites, err = store.ListInvites()
	require.NoError(t, err)
	assert.Len(t, invites, 1)
}

func TestSweepLoopRunsOffTheClock(t *testing.T) {
	_, store, clock := newTestManager(t)

	now := clock.Now()
	seedSweepFixtures(t, store, now)

	sweeper := NewSweeper(store, clock)
	sweeper.Start()
	defer sweeper.Stop()

	// Wait for the loop's ticker to be armed, then jump past tier 1.
	clock.BlockUntil(1)
	clock.Advance(Tier1Interval + pollInterval)

	assert.Eventually(t, func() bool {
		_, err := store.GetInvite("expired")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "tier-1 sweep should fire from the ticker")
}
