package permission

import (
	"errors"
	"fmt"
	"time"

	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
)

// maxChainDepth bounds the parent-pointer walk so a corrupted folder graph
// cannot loop resolution forever.
const maxChainDepth = 64

// Engine resolves effective permissions over the workspace → folder →
// document hierarchy and applies grant mutations.
type Engine struct {
	store storage.Store
}

// NewEngine creates a permission engine over the given store.
func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store}
}

// Effective resolves the user's permission on an entity. The parent chain
// is walked until the first direct grant (workspace ownership counts as an
// owner grant); live share links the user has redeemed anywhere on the
// chain feed in as a second source. The result is the maximum over all
// sources.
func (e *Engine) Effective(userID string, entity types.EntityRef) (types.Permission, error) {
	now := time.Now()
	result := types.PermissionNone
	chainDone := false

	current := entity
	seen := make(map[types.EntityRef]bool)
	for depth := 0; depth < maxChainDepth; depth++ {
		if seen[current] {
			break
		}
		seen[current] = true

		if !chainDone {
			direct, err := e.directGrant(userID, current)
			if err != nil {
				return types.PermissionNone, err
			}
			if direct != types.PermissionNone {
				result = result.Max(direct)
				chainDone = true
			}
		}

		link, err := e.linkGrant(userID, current, now)
		if err != nil {
			return types.PermissionNone, err
		}
		result = result.Max(link)

		parent, ok, err := e.parentOf(current)
		if err != nil {
			return types.PermissionNone, err
		}
		if !ok {
			break
		}
		current = parent
	}

	return result, nil
}

// Allowed reports whether the user's effective permission on the entity
// meets the action's requirement.
func (e *Engine) Allowed(userID string, entity types.EntityRef, action types.Action) (bool, error) {
	effective, err := e.Effective(userID, entity)
	if err != nil {
		return false, err
	}
	return effective.AtLeast(types.RequiredPermission(action)), nil
}

// Grant raises the user's direct grant on the entity to at least p. Grants
// are monotonic: a lower p leaves the stored level untouched. The returned
// change is nil when nothing moved.
func (e *Engine) Grant(userID string, entity types.EntityRef, p types.Permission) (*types.PermissionChange, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid permission %q", p)
	}

	old, existing, err := e.lookupDirect(userID, entity)
	if err != nil {
		return nil, err
	}
	if old.AtLeast(p) {
		return nil, nil
	}

	now := time.Now().UTC()
	grant := &types.Grant{
		UserID:     userID,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Permission: p,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing != nil {
		grant.CreatedAt = existing.CreatedAt
	}
	if err := e.store.PutGrant(grant); err != nil {
		return nil, err
	}
	return &types.PermissionChange{
		UserID:     userID,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Old:        old,
		New:        p,
	}, nil
}

// Revoke removes the user's direct grant on the entity. Access through
// parent grants or live redeemed links is unaffected. The returned change
// is nil when there was nothing to revoke.
func (e *Engine) Revoke(userID string, entity types.EntityRef) (*types.PermissionChange, error) {
	old, existing, err := e.lookupDirect(userID, entity)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if err := e.store.DeleteGrant(userID, entity); err != nil {
		return nil, err
	}
	return &types.PermissionChange{
		UserID:     userID,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Old:        old,
		New:        types.PermissionNone,
	}, nil
}

// Set assigns the user's direct grant to exactly p. Raising behaves like
// Grant; lowering is an explicit revoke-and-regrant, which is how a
// collaborator downgrade is expressed.
func (e *Engine) Set(userID string, entity types.EntityRef, p types.Permission) (*types.PermissionChange, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid permission %q", p)
	}

	old, existing, err := e.lookupDirect(userID, entity)
	if err != nil {
		return nil, err
	}
	if old == p {
		return nil, nil
	}

	now := time.Now().UTC()
	grant := &types.Grant{
		UserID:     userID,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Permission: p,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing != nil {
		grant.CreatedAt = existing.CreatedAt
	}
	if err := e.store.PutGrant(grant); err != nil {
		return nil, err
	}
	return &types.PermissionChange{
		UserID:     userID,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Old:        old,
		New:        p,
	}, nil
}

// directGrant returns the user's direct permission on the entity. For
// workspaces the owner field counts as an owner grant.
func (e *Engine) directGrant(userID string, entity types.EntityRef) (types.Permission, error) {
	perm, _, err := e.lookupDirect(userID, entity)
	if err != nil {
		return types.PermissionNone, err
	}

	if entity.Type == types.EntityWorkspace {
		ws, err := e.store.GetWorkspace(entity.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return perm, nil
			}
			return types.PermissionNone, err
		}
		if ws.OwnerID == userID {
			perm = perm.Max(types.PermissionOwner)
		}
	}
	return perm, nil
}

// lookupDirect fetches the grant row, mapping absence to none.
func (e *Engine) lookupDirect(userID string, entity types.EntityRef) (types.Permission, *types.Grant, error) {
	grant, err := e.store.GetGrant(userID, entity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.PermissionNone, nil, nil
		}
		return types.PermissionNone, nil, err
	}
	return grant.Permission, grant, nil
}

// linkGrant returns the highest permission carried by a live share link on
// the entity that the user has redeemed. A link stays a source until it
// expires or is invalidated; hitting its use cap only blocks new
// redemptions.
func (e *Engine) linkGrant(userID string, entity types.EntityRef, now time.Time) (types.Permission, error) {
	invites, err := e.store.ListInvites()
	if err != nil {
		return types.PermissionNone, err
	}

	best := types.PermissionNone
	for _, invite := range invites {
		if invite.EntityType != entity.Type || invite.EntityID != entity.ID {
			continue
		}
		if invite.ExpiresAt != nil && !invite.ExpiresAt.After(now) {
			continue
		}
		if invite.Redeemed(userID) {
			best = best.Max(invite.Permission)
		}
	}
	return best, nil
}

// parentOf maps an entity to its parent in the hierarchy. Documents parent
// to their folder or workspace; folders to their parent folder or
// workspace; workspaces are roots.
func (e *Engine) parentOf(entity types.EntityRef) (types.EntityRef, bool, error) {
	switch entity.Type {
	case types.EntityWorkspace:
		return types.EntityRef{}, false, nil

	case types.EntityFolder:
		folder, err := e.store.GetFolder(entity.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return types.EntityRef{}, false, nil
			}
			return types.EntityRef{}, false, err
		}
		if folder.ParentID != "" {
			return types.EntityRef{Type: types.EntityFolder, ID: folder.ParentID}, true, nil
		}
		return types.EntityRef{Type: types.EntityWorkspace, ID: folder.WorkspaceID}, true, nil

	case types.EntityDocument:
		doc, err := e.store.GetDocument(entity.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return types.EntityRef{}, false, nil
			}
			return types.EntityRef{}, false, err
		}
		if doc.FolderID != "" {
			return types.EntityRef{Type: types.EntityFolder, ID: doc.FolderID}, true, nil
		}
		return types.EntityRef{Type: types.EntityWorkspace, ID: doc.WorkspaceID}, true, nil

	default:
		return types.EntityRef{}, false, fmt.Errorf("unknown entity type %q", entity.Type)
	}
}
