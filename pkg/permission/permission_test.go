package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store), store
}

// seedTree creates workspace w1 (owned by owner) with folder f1 containing
// folder f2, and document d1 inside f2.
func seedTree(t *testing.T, store storage.Store) {
	t.Helper()
	require.NoError(t, store.CreateWorkspace(&types.Workspace{ID: "w1", Name: "w", OwnerID: "owner"}))
	require.NoError(t, store.CreateFolder(&types.Folder{ID: "f1", WorkspaceID: "w1", Name: "top"}))
	require.NoError(t, store.CreateFolder(&types.Folder{ID: "f2", WorkspaceID: "w1", ParentID: "f1", Name: "nested"}))
	require.NoError(t, store.CreateDocument(&types.Document{ID: "d1", WorkspaceID: "w1", FolderID: "f2", Name: "doc", State: types.DocActive}))
}

func ref(entityType types.EntityType, id string) types.EntityRef {
	return types.EntityRef{Type: entityType, ID: id}
}

func TestOwnerIsImplicitEverywhere(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)

	for _, entity := range []types.EntityRef{
		ref(types.EntityWorkspace, "w1"),
		ref(types.EntityFolder, "f1"),
		ref(types.EntityFolder, "f2"),
		ref(types.EntityDocument, "d1"),
	} {
		perm, err := engine.Effective("owner", entity)
		require.NoError(t, err)
		assert.Equal(t, types.PermissionOwner, perm, "owner must resolve on %s/%s", entity.Type, entity.ID)
	}
}

func TestWorkspaceGrantCascades(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)

	_, err := engine.Grant("alice", ref(types.EntityWorkspace, "w1"), types.PermissionEditor)
	require.NoError(t, err)

	// No rows written for descendants, but resolution sees the grant.
	perm, err := engine.Effective("alice", ref(types.EntityDocument, "d1"))
	require.NoError(t, err)
	assert.Equal(t, types.PermissionEditor, perm)

	_, err = store.GetGrant("alice", ref(types.EntityDocument, "d1"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDirectGrantWinsOverAncestors(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)

	_, err := engine.Grant("alice", ref(types.EntityWorkspace, "w1"), types.PermissionEditor)
	require.NoError(t, err)
	_, err = engine.Grant("alice", ref(types.EntityDocument, "d1"), types.PermissionViewer)
	require.NoError(t, err)

	// The document-level grant terminates the walk.
	perm, err := engine.Effective("alice", ref(types.EntityDocument, "d1"))
	require.NoError(t, err)
	assert.Equal(t, types.PermissionViewer, perm)

	// The workspace itself still resolves to editor.
	perm, err = engine.Effective("alice", ref(types.EntityWorkspace, "w1"))
	require.NoError(t, err)
	assert.Equal(t, types.PermissionEditor, perm)
}

func TestGrantIsMonotonic(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)
	entity := ref(types.EntityWorkspace, "w1")

	change, err := engine.Grant("alice", entity, types.PermissionViewer)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, types.PermissionNone, change.Old)
	assert.Equal(t, types.PermissionViewer, change.New)

	change, err = engine.Grant("alice", entity, types.PermissionEditor)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, types.PermissionViewer, change.Old)
	assert.Equal(t, types.PermissionEditor, change.New)

	// A stale lower re-grant never lowers the effective permission.
	change, err = engine.Grant("alice", entity, types.PermissionViewer)
	require.NoError(t, err)
	assert.Nil(t, change)

	perm, err := engine.Effective("alice", entity)
	require.NoError(t, err)
	assert.Equal(t, types.PermissionEditor, perm)
}

func TestRevokeFallsBackToParent(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)

	_, err := engine.Grant("alice", ref(types.EntityWorkspace, "w1"), types.PermissionViewer)
	require.NoError(t, err)
	_, err = engine.Grant("alice", ref(types.EntityDocument, "d1"), types.PermissionEditor)
	require.NoError(t, err)

	change, err := engine.Revoke("alice", ref(types.EntityDocument, "d1"))
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, types.PermissionEditor, change.Old)
	assert.Equal(t, types.PermissionNone, change.New)

	perm, err := engine.Effective("alice", ref(types.EntityDocument, "d1"))
	require.NoError(t, err)
	assert.Equal(t, types.PermissionViewer, perm, "revoking the document grant falls back to the workspace grant")

	// Revoking a missing grant is a quiet no-op.
	change, err = engine.Revoke("alice", ref(types.EntityDocument, "d1"))
	require.NoError(t, err)
	assert.Nil(t, change)
}

func TestSetDowngradesExplicitly(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)
	entity := ref(types.EntityWorkspace, "w1")

	_, err := engine.Grant("alice", entity, types.PermissionEditor)
	require.NoError(t, err)

	change, err := engine.Set("alice", entity, types.PermissionViewer)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, types.PermissionEditor, change.Old)
	assert.Equal(t, types.PermissionViewer, change.New)

	perm, err := engine.Effective("alice", entity)
	require.NoError(t, err)
	assert.Equal(t, types.PermissionViewer, perm)

	// Setting the same level again reports no change.
	change, err = engine.Set("alice", entity, types.PermissionViewer)
	require.NoError(t, err)
	assert.Nil(t, change)
}

func TestRedeemedLinkFeedsMax(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)
	entity := ref(types.EntityWorkspace, "w1")

	// Alice redeemed a live editor link on w1, then her direct grant was
	// revoked. The link keeps feeding resolution until invalidated.
	require.NoError(t, store.CreateInvite(&types.Invite{
		Token:      "tok1",
		EntityType: types.EntityWorkspace,
		EntityID:   "w1",
		Permission: types.PermissionEditor,
		CreatedAt:  time.Now(),
		Uses:       1,
		RedeemedBy: []string{"alice"},
	}))

	perm, err := engine.Effective("alice", entity)
	require.NoError(t, err)
	assert.Equal(t, types.PermissionEditor, perm)

	// The workspace link also covers descendants.
	perm, err = engine.Effective("alice", ref(types.EntityDocument, "d1"))
	require.NoError(t, err)
	assert.Equal(t, types.PermissionEditor, perm)

	// An expired link stops counting.
	past := time.Now().Add(-time.Minute)
	invite, err := store.GetInvite("tok1")
	require.NoError(t, err)
	invite.ExpiresAt = &past
	require.NoError(t, store.UpdateInvite(invite))

	perm, err = engine.Effective("alice", entity)
	require.NoError(t, err)
	assert.Equal(t, types.PermissionNone, perm)
}

func TestSpentLinkStillCountsForRedeemers(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)

	maxUses := 1
	require.NoError(t, store.CreateInvite(&types.Invite{
		Token:      "tok1",
		EntityType: types.EntityWorkspace,
		EntityID:   "w1",
		Permission: types.PermissionViewer,
		CreatedAt:  time.Now(),
		MaxUses:    &maxUses,
		Uses:       1,
		RedeemedBy: []string{"alice"},
		Spent:      true,
	}))

	perm, err := engine.Effective("alice", ref(types.EntityWorkspace, "w1"))
	require.NoError(t, err)
	assert.Equal(t, types.PermissionViewer, perm, "use cap blocks new redemptions, not existing redeemers")

	perm, err = engine.Effective("bob", ref(types.EntityWorkspace, "w1"))
	require.NoError(t, err)
	assert.Equal(t, types.PermissionNone, perm)
}

func TestAllowedGatesActions(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)

	_, err := engine.Grant("viewer", ref(types.EntityWorkspace, "w1"), types.PermissionViewer)
	require.NoError(t, err)
	_, err = engine.Grant("editor", ref(types.EntityWorkspace, "w1"), types.PermissionEditor)
	require.NoError(t, err)

	tests := []struct {
		name   string
		user   string
		action types.Action
		want   bool
	}{
		{name: "viewer can view", user: "viewer", action: types.ActionView, want: true},
		{name: "viewer can share as viewer", user: "viewer", action: types.ActionShareAsViewer, want: true},
		{name: "viewer cannot edit", user: "viewer", action: types.ActionEdit, want: false},
		{name: "viewer cannot share as editor", user: "viewer", action: types.ActionShareAsEditor, want: false},
		{name: "editor can edit", user: "editor", action: types.ActionEdit, want: true},
		{name: "editor can create", user: "editor", action: types.ActionCreate, want: true},
		{name: "editor can delete", user: "editor", action: types.ActionDelete, want: true},
		{name: "editor can restore", user: "editor", action: types.ActionRestore, want: true},
		{name: "editor cannot delete workspace", user: "editor", action: types.ActionDeleteWorkspace, want: false},
		{name: "editor cannot promote to owner", user: "editor", action: types.ActionPromoteToOwner, want: false},
		{name: "owner can delete workspace", user: "owner", action: types.ActionDeleteWorkspace, want: true},
		{name: "owner can share as owner", user: "owner", action: types.ActionShareAsOwner, want: true},
		{name: "stranger can do nothing", user: "stranger", action: types.ActionView, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Allowed(tt.user, ref(types.EntityDocument, "d1"), tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCorruptParentGraphTerminates(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, store.CreateWorkspace(&types.Workspace{ID: "w1", Name: "w", OwnerID: "owner"}))

	// fa and fb point at each other. Resolution must terminate.
	require.NoError(t, store.CreateFolder(&types.Folder{ID: "fa", WorkspaceID: "w1", ParentID: "fb", Name: "a"}))
	require.NoError(t, store.CreateFolder(&types.Folder{ID: "fb", WorkspaceID: "w1", ParentID: "fa", Name: "b"}))

	perm, err := engine.Effective("alice", ref(types.EntityFolder, "fa"))
	require.NoError(t, err)
	assert.Equal(t, types.PermissionNone, perm)
}

func TestGrantRejectsInvalidPermission(t *testing.T) {
	engine, store := newTestEngine(t)
	seedTree(t, store)

	_, err := engine.Grant("alice", ref(types.EntityWorkspace, "w1"), types.Permission("sudo"))
	assert.Error(t, err)
	_, err = engine.Grant("alice", ref(types.EntityWorkspace, "w1"), types.PermissionNone)
	assert.Error(t, err)
}
