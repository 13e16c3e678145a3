package storage

import (
	"errors"
	"time"

	"github.com/nahma/sidecar/pkg/types"
)

// ErrNotFound is returned when a row does not exist. Callers distinguish it
// from infrastructure failures with errors.Is.
var ErrNotFound = errors.New("not found")

// ErrPurged is returned for lifecycle transitions out of the purged state,
// which is terminal.
var ErrPurged = errors.New("document is purged")

// DeletedSet reports everything a cascade soft-delete covered.
type DeletedSet struct {
	FolderIDs   []string
	DocumentIDs []string
}

// Store is the typed persistence facade. All mutations are atomic at the
// row level; cascades run inside a single transaction.
type Store interface {
	// Workspaces
	CreateWorkspace(ws *types.Workspace) error
	GetWorkspace(id string) (*types.Workspace, error)
	ListWorkspaces() ([]*types.Workspace, error)
	UpdateWorkspace(ws *types.Workspace) error
	DeleteWorkspace(id string, now time.Time) (*DeletedSet, error)

	// Folders
	CreateFolder(folder *types.Folder) error
	GetFolder(id string) (*types.Folder, error)
	ListFolders(workspaceID string) ([]*types.Folder, error)
	UpdateFolder(folder *types.Folder) error
	DeleteFolderTree(id string, now time.Time) (*DeletedSet, error)
	RestoreFolder(id string, now time.Time) (*types.Folder, error)

	// Documents
	CreateDocument(doc *types.Document) error
	GetDocument(id string) (*types.Document, error)
	ListDocuments(workspaceID string) ([]*types.Document, error)
	UpdateDocument(doc *types.Document) error
	TrashDocument(id string, now time.Time) (*types.Document, error)
	RestoreDocument(id string, now time.Time) (*types.Document, error)
	PurgeDocument(id string, now time.Time) error

	// Invites
	CreateInvite(invite *types.Invite) error
	GetInvite(token string) (*types.Invite, error)
	UpdateInvite(invite *types.Invite) error
	DeleteInvite(token string) error
	ListInvites() ([]*types.Invite, error)
	DeleteExpiredInvites(now time.Time) (int, error)
	DeleteInvitesCreatedBefore(cutoff time.Time) (int, error)

	// Grants
	PutGrant(grant *types.Grant) error
	GetGrant(userID string, entity types.EntityRef) (*types.Grant, error)
	DeleteGrant(userID string, entity types.EntityRef) error
	ListGrantsForUser(userID string) ([]*types.Grant, error)
	ListGrantsForEntity(entity types.EntityRef) ([]*types.Grant, error)

	// Update log
	AppendUpdate(docID string, ciphertext []byte, now time.Time) (uint64, error)
	UpdatesSince(docID string, seq uint64) ([]*types.UpdateRecord, error)
	LatestSeq(docID string) (uint64, error)
	DeleteUpdates(docID string) error

	// Utility
	Close() error
}
