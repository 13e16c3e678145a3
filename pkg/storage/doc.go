// Package storage provides the persistence layer: a typed Store facade
// implemented on BoltDB with one bucket per entity and JSON-encoded rows.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────┐
//	│                      BoltStore                        │
//	│                                                       │
//	│  workspaces │ folders │ documents │ invites │ grants  │
//	│  ──────────────────────────────────────────────────   │
//	│  updates                                              │
//	│    └── <docId> (nested bucket, key = 8-byte BE seq)   │
//	└───────────────────────────────────────────────────────┘
//
// # Core Components
//
//   - Store: the persistence interface consumed by every other component
//   - BoltStore: BoltDB implementation, one file under the data dir
//   - NewEphemeralStore: same engine on a temp file removed at close
//
// # Usage
//
//	store, err := storage.NewBoltStore(dataDir)
//	if err != nil { ... }
//	defer store.Close()
//
//	deleted, err := store.DeleteFolderTree(folderID, time.Now())
//	// deleted.FolderIDs, deleted.DocumentIDs cover the whole subtree
//
// # Integration Points
//
//   - pkg/broker: metadata CRUD and cascades
//   - pkg/relay: update log append and sync diffs
//   - pkg/invite: invite rows and the two sweep mutations
//   - pkg/permission: grant rows and parent chains
//
// Soft deletion stamps DeletedAt and keeps the row; cascades for workspaces
// and folder subtrees run in a single transaction and report every id they
// touched. The document lifecycle is active → trashed → purged, and purged
// is terminal: no transition out of it succeeds and the purge drops the
// document's update log. The two invite sweep mutations implement the
// tiered garbage collection: expired-only, and created-before regardless of
// expiry.
package storage
