package wire

import (
	"time"

	"github.com/nahma/sidecar/pkg/types"
)

// Metadata endpoint frame types. Client-to-server ops on the left column,
// server-to-client replies and broadcasts on the right.
const (
	MsgSetKey = "set-key"

	MsgCreateWorkspace = "create-workspace"
	MsgUpdateWorkspace = "update-workspace"
	MsgDeleteWorkspace = "delete-workspace"
	MsgListWorkspaces  = "list-workspaces"
	MsgJoinWorkspace   = "join-workspace"
	MsgLeaveWorkspace  = "leave-workspace"

	MsgCreateFolder  = "create-folder"
	MsgRenameFolder  = "rename-folder"
	MsgMoveFolder    = "move-folder"
	MsgDeleteFolder  = "delete-folder"
	MsgRestoreFolder = "restore-folder"
	MsgListFolders   = "list-folders"

	MsgCreateDocument  = "create-document"
	MsgRenameDocument  = "rename-document"
	MsgMoveDocument    = "move-document"
	MsgDeleteDocument  = "delete-document"
	MsgRestoreDocument = "restore-document"
	MsgOpenDocument    = "open-document"

	MsgCreateInvite     = "create-invite"
	MsgRedeemInvite     = "redeem-invite"
	MsgInvalidateInvite = "invalidate-invite"

	MsgUpdateCollaboratorPermission = "update-collaborator-permission"

	MsgStatus = "status"
	MsgError  = "error"

	MsgWorkspaceCreated = "workspace-created"
	MsgWorkspaceUpdated = "workspace-updated"
	MsgWorkspaceDeleted = "workspace-deleted"
	MsgWorkspaceList    = "workspace-list"
	MsgWorkspaceJoined  = "workspace-joined"
	MsgWorkspaceLeft    = "workspace-left"

	MsgFolderCreated  = "folder-created"
	MsgFolderRenamed  = "folder-renamed"
	MsgFolderMoved    = "folder-moved"
	MsgFolderDeleted  = "folder-deleted"
	MsgFolderRestored = "folder-restored"
	MsgFolderList     = "folder-list"

	MsgDocumentCreated  = "document-created"
	MsgDocumentRenamed  = "document-renamed"
	MsgDocumentMoved    = "document-moved"
	MsgDocumentDeleted  = "document-deleted"
	MsgDocumentRestored = "document-restored"
	MsgDocumentOpened   = "document-opened"

	MsgInviteCreated     = "invite-created"
	MsgInviteRedeemed    = "invite-redeemed"
	MsgInviteInvalidated = "invite-invalidated"
	MsgLinkInvalidated   = "link-invalidated"

	MsgPermissionChanged = "permission-changed"
)

// SetKey authenticates the connection. The payload is the 32-byte session
// key, hex encoded; it doubles as the client's identity public key.
type SetKey struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Status acknowledges a successful set-key.
type Status struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// NewStatus builds the handshake acknowledgement.
func NewStatus() Status {
	return Status{Type: MsgStatus, Status: "ok"}
}

// CreateWorkspace carries the workspace row to create. Missing id and
// timestamps are filled server side.
type CreateWorkspace struct {
	Type      string          `json:"type"`
	Workspace types.Workspace `json:"workspace"`
}

// UpdateWorkspace renames a workspace.
type UpdateWorkspace struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

// DeleteWorkspace soft-deletes a workspace and everything under it.
type DeleteWorkspace struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}

// ListWorkspaces asks for the workspaces visible to the session key.
type ListWorkspaces struct {
	Type string `json:"type"`
}

// JoinWorkspace subscribes the connection to a workspace's event stream.
type JoinWorkspace struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}

// LeaveWorkspace drops the subscription. Grants are untouched.
type LeaveWorkspace struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}

// CreateFolder carries the folder row to create.
type CreateFolder struct {
	Type   string       `json:"type"`
	Folder types.Folder `json:"folder"`
}

// RenameFolder renames a folder.
type RenameFolder struct {
	Type     string `json:"type"`
	FolderID string `json:"folderId"`
	Name     string `json:"name"`
}

// MoveFolder reparents a folder. NewParentID empty moves it to the
// workspace root. Moves into the folder's own subtree are rejected.
type MoveFolder struct {
	Type        string `json:"type"`
	FolderID    string `json:"folderId"`
	NewParentID string `json:"newParentId,omitempty"`
}

// DeleteFolder soft-deletes a folder subtree.
type DeleteFolder struct {
	Type     string `json:"type"`
	FolderID string `json:"folderId"`
}

// RestoreFolder clears the soft-delete marker on a folder.
type RestoreFolder struct {
	Type     string `json:"type"`
	FolderID string `json:"folderId"`
}

// ListFolders asks for the live folders of a workspace.
type ListFolders struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}

// CreateDocument carries the document row to create.
type CreateDocument struct {
	Type     string         `json:"type"`
	Document types.Document `json:"document"`
}

// RenameDocument renames a document.
type RenameDocument struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
	Name  string `json:"name"`
}

// MoveDocument moves a document to another folder. NewFolderID empty moves
// it to the workspace root.
type MoveDocument struct {
	Type        string `json:"type"`
	DocID       string `json:"docId"`
	NewFolderID string `json:"newFolderId,omitempty"`
}

// DeleteDocument trashes a document.
type DeleteDocument struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
}

// RestoreDocument restores a trashed document. Purged documents stay purged.
type RestoreDocument struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
}

// OpenDocument registers the session as having the document open and
// returns the row.
type OpenDocument struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
}

// CreateInvite mints a share link for an entity.
type CreateInvite struct {
	Type       string           `json:"type"`
	EntityType types.EntityType `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Permission types.Permission `json:"permission"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
	MaxUses    *int             `json:"maxUses,omitempty"`
}

// RedeemInvite redeems a share link token for the session key.
type RedeemInvite struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// InvalidateInvite hard-expires a share link immediately.
type InvalidateInvite struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// UpdateCollaboratorPermission sets a user's direct grant on an entity.
// Raising is monotonic; an explicit lower value acts as revoke-and-regrant.
type UpdateCollaboratorPermission struct {
	Type       string           `json:"type"`
	EntityType types.EntityType `json:"entityType"`
	EntityID   string           `json:"entityId"`
	UserID     string           `json:"userId"`
	Permission types.Permission `json:"permission"`
}

// WorkspaceReply carries a full workspace row; used for created, updated,
// joined and restored events.
type WorkspaceReply struct {
	Type      string          `json:"type"`
	Workspace types.Workspace `json:"workspace"`
}

// WorkspaceDeleted names the soft-deleted workspace.
type WorkspaceDeleted struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}

// WorkspaceList is the list-workspaces reply.
type WorkspaceList struct {
	Type       string            `json:"type"`
	Workspaces []types.Workspace `json:"workspaces"`
}

// WorkspaceLeft acknowledges leave-workspace to the origin.
type WorkspaceLeft struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}

// FolderReply carries a full folder row; used for created, renamed, moved
// and restored events.
type FolderReply struct {
	Type   string       `json:"type"`
	Folder types.Folder `json:"folder"`
}

// FolderDeleted reports a folder cascade: every folder and document id the
// soft delete covered, plus the users that had any of those documents open.
type FolderDeleted struct {
	Type          string   `json:"type"`
	FolderID      string   `json:"folderId"`
	FolderIDs     []string `json:"folderIds"`
	DocumentIDs   []string `json:"documentIds"`
	AffectedUsers []string `json:"affectedUsers,omitempty"`
}

// FolderList is the list-folders reply.
type FolderList struct {
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspaceId"`
	Folders     []types.Folder `json:"folders"`
}

// DocumentReply carries a full document row; used for created, renamed,
// moved, restored and opened events.
type DocumentReply struct {
	Type     string         `json:"type"`
	Document types.Document `json:"document"`
}

// DocumentDeleted names the trashed document.
type DocumentDeleted struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
}

// InviteCreated returns the minted token and the join URL path the HTTP
// adjunct serves for it.
type InviteCreated struct {
	Type       string           `json:"type"`
	Token      string           `json:"token"`
	EntityType types.EntityType `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Permission types.Permission `json:"permission"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
	MaxUses    *int             `json:"maxUses,omitempty"`
	JoinPath   string           `json:"joinPath"`
}

// InviteRedeemed reports a successful redemption to the redeemer.
type InviteRedeemed struct {
	Type       string           `json:"type"`
	EntityType types.EntityType `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Permission types.Permission `json:"permission"`
}

// InviteInvalidated acknowledges invalidate-invite to the origin.
type InviteInvalidated struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// LinkInvalidated is broadcast to every redeemer of an invalidated link so
// sessions relying solely on it re-authorize.
type LinkInvalidated struct {
	Type       string           `json:"type"`
	Token      string           `json:"token"`
	EntityType types.EntityType `json:"entityType"`
	EntityID   string           `json:"entityId"`
}

// PermissionChanged is broadcast to the affected user's connections.
type PermissionChanged struct {
	Type       string           `json:"type"`
	UserID     string           `json:"userId"`
	EntityType types.EntityType `json:"entityType"`
	EntityID   string           `json:"entityId"`
	Old        types.Permission `json:"oldPermission"`
	New        types.Permission `json:"newPermission"`
}
