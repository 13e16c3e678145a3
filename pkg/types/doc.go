/*
Package types defines the core data model shared by every sidecar component.

The types package holds the persisted entities (workspaces, folders,
documents, invites, grants, update-log records) and the small value types
built on top of them (permissions, actions, entity references). It has no
dependencies beyond the standard library so that every other package can
import it freely.

# Entity Hierarchy

Permissions and deletion cascade through a three-level tree:

	┌──────────────────── ENTITY HIERARCHY ────────────────────┐
	│                                                          │
	│   Workspace (top-level permission domain)                │
	│      │                                                   │
	│      ├── Folder (nests in workspace or another folder)   │
	│      │      │                                            │
	│      │      └── Document (CRDT container)                │
	│      │                                                   │
	│      └── Document (folderless documents allowed)         │
	│                                                          │
	│   A grant on an ancestor is visible on every             │
	│   descendant through resolution; no rows are written     │
	│   for descendants.                                       │
	└──────────────────────────────────────────────────────────┘

# Permissions

Permission levels form the strict ordering none < viewer < editor < owner,
exposed through Rank, AtLeast, and Max. RequiredPermission maps an Action
to its minimum level:

	view, share-as-viewer                          → viewer
	edit, create, delete, restore, share-as-editor → editor
	share-as-owner, delete-workspace,
	promote-to-owner                               → owner

Unknown actions resolve to owner so that a routing mistake fails closed.

# Lifecycle

Documents move through active → trashed → purged; purged is terminal.
Workspaces and folders use a nullable DeletedAt as a soft-delete marker,
and soft-deleting a folder cascades to its entire subtree.

# Integration Points

  - pkg/storage persists these types as JSON rows in bbolt buckets
  - pkg/permission resolves Permission over the EntityRef hierarchy
  - pkg/invite redeems Invite tokens into Grants
  - pkg/wire mirrors a subset of these types in frame payloads
*/
package types
