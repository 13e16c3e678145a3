package types

import (
	"time"
)

// EntityType identifies the kind of a permission-bearing entity.
type EntityType string

const (
	EntityWorkspace EntityType = "workspace"
	EntityFolder    EntityType = "folder"
	EntityDocument  EntityType = "document"
)

// Valid reports whether t is one of the known entity kinds.
func (t EntityType) Valid() bool {
	switch t {
	case EntityWorkspace, EntityFolder, EntityDocument:
		return true
	}
	return false
}

// EntityRef is a tagged reference to a workspace, folder, or document.
// Permission resolution, deletion cascade, and event routing are all
// polymorphic over this pair.
type EntityRef struct {
	Type EntityType `json:"entityType"`
	ID   string     `json:"entityId"`
}

// Permission is a per-entity access level for a subject.
type Permission string

const (
	PermissionNone   Permission = "none"
	PermissionViewer Permission = "viewer"
	PermissionEditor Permission = "editor"
	PermissionOwner  Permission = "owner"
)

// Rank maps the permission to its position in the strict ordering
// none < viewer < editor < owner.
func (p Permission) Rank() int {
	switch p {
	case PermissionViewer:
		return 1
	case PermissionEditor:
		return 2
	case PermissionOwner:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether p grants at least the level of q.
func (p Permission) AtLeast(q Permission) bool {
	return p.Rank() >= q.Rank()
}

// Max returns the higher of the two permissions.
func (p Permission) Max(q Permission) Permission {
	if q.Rank() > p.Rank() {
		return q
	}
	return p
}

// Valid reports whether p is a grantable level (viewer, editor, or owner).
func (p Permission) Valid() bool {
	switch p {
	case PermissionViewer, PermissionEditor, PermissionOwner:
		return true
	}
	return false
}

// Action is an operation gated by the permission engine.
type Action string

const (
	ActionView            Action = "view"
	ActionEdit            Action = "edit"
	ActionCreate          Action = "create"
	ActionDelete          Action = "delete"
	ActionRestore         Action = "restore"
	ActionShareAsViewer   Action = "share-as-viewer"
	ActionShareAsEditor   Action = "share-as-editor"
	ActionShareAsOwner    Action = "share-as-owner"
	ActionDeleteWorkspace Action = "delete-workspace"
	ActionPromoteToOwner  Action = "promote-to-owner"

	// ActionManageCollaborators covers setting or lowering another user's
	// direct grant, which must not be possible below owner.
	ActionManageCollaborators Action = "manage-collaborators"
)

// RequiredPermission returns the minimum permission level for an action.
// Unknown actions require owner so that a routing mistake fails closed.
func RequiredPermission(a Action) Permission {
	switch a {
	case ActionView, ActionShareAsViewer:
		return PermissionViewer
	case ActionEdit, ActionCreate, ActionDelete, ActionRestore, ActionShareAsEditor:
		return PermissionEditor
	default:
		return PermissionOwner
	}
}

// Workspace is a top-level permission domain. Every folder and document
// belongs to exactly one workspace, and the workspace owner holds an
// implicit owner grant on the whole subtree.
type Workspace struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	OwnerID   string     `json:"ownerId"` // hex identity public key
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Folder nests within a workspace, optionally within another folder.
// ParentID is empty when the folder sits directly under the workspace.
type Folder struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	ParentID    string     `json:"parentId,omitempty"`
	Name        string     `json:"name"`
	Icon        string     `json:"icon,omitempty"`
	Color       string     `json:"color,omitempty"`
	IsSystem    bool       `json:"isSystem,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// DocLifecycle is the lifecycle state of a document. Purged is terminal.
type DocLifecycle string

const (
	DocActive  DocLifecycle = "active"
	DocTrashed DocLifecycle = "trashed"
	DocPurged  DocLifecycle = "purged"
)

// Document is a container for one CRDT state. The update log for the
// document lives in the store under the document id; the row here carries
// metadata only.
type Document struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspaceId"`
	FolderID    string       `json:"folderId,omitempty"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	State       DocLifecycle `json:"state"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	DeletedAt   *time.Time   `json:"deletedAt,omitempty"`
}

// UpdateRecord is one row of a document's append-only update log.
// Ciphertext is the padded secretbox blob of the raw CRDT update;
// Seq is assigned by the store and strictly increases per document.
type UpdateRecord struct {
	DocID      string    `json:"docId"`
	Seq        uint64    `json:"seq"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Invite is a bounded-use capability token granting a permission on an
// entity. A nil ExpiresAt means the invite never expires on its own clock
// (the tier-2 sweep still removes it past the maximum invite age). A nil
// MaxUses means unlimited redemptions.
type Invite struct {
	Token      string     `json:"token"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Permission Permission `json:"permission"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	MaxUses    *int       `json:"maxUses,omitempty"`
	Uses       int        `json:"uses"`
	RedeemedBy []string   `json:"redeemedBy,omitempty"`
	Spent      bool       `json:"spent,omitempty"`
}

// Redeemed reports whether the given user has already redeemed the invite.
func (i *Invite) Redeemed(userID string) bool {
	for _, u := range i.RedeemedBy {
		if u == userID {
			return true
		}
	}
	return false
}

// Grant is a direct permission assignment for (user, entity). Grants are
// monotonic: writes only ever raise the stored level.
type Grant struct {
	UserID     string     `json:"userId"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Permission Permission `json:"permission"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// PermissionChange describes one grant or revocation, emitted so clients
// holding affected entities re-check authorization.
type PermissionChange struct {
	UserID     string     `json:"userId"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Old        Permission `json:"oldPermission"`
	New        Permission `json:"newPermission"`
}

// Device is one known client device attached to an identity.
type Device struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	LastSeen  time.Time `json:"lastSeen"`
	IsCurrent bool      `json:"isCurrent"`
}

// PeerIdentity is the presence-level identity a relay client announces.
type PeerIdentity struct {
	PublicKey   string `json:"publicKey"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
}
