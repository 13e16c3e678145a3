package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nahma/sidecar/pkg/types"
)

var (
	// Bucket names
	bucketWorkspaces = []byte("workspaces")
	bucketFolders    = []byte("folders")
	bucketDocuments  = []byte("documents")
	bucketInvites    = []byte("invites")
	bucketGrants     = []byte("grants")
	bucketUpdates    = []byte("updates")
)

// maxTreeDepth bounds parent-chain walks so a corrupted folder graph cannot
// loop forever.
const maxTreeDepth = 64

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db        *bolt.DB
	path      string
	ephemeral bool
}

// NewBoltStore creates a BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return openBoltStore(filepath.Join(dataDir, "nahma.db"), false)
}

// NewEphemeralStore creates a store against a throwaway temp file that is
// removed when the store closes. Used when persistence is disabled.
func NewEphemeralStore() (*BoltStore, error) {
	f, err := os.CreateTemp("", "nahma-ephemeral-*.db")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp database: %w", err)
	}
	path := f.Name()
	f.Close()
	return openBoltStore(path, true)
}

func openBoltStore(dbPath string, ephemeral bool) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkspaces,
			bucketFolders,
			bucketDocuments,
			bucketInvites,
			bucketGrants,
			bucketUpdates,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: dbPath, ephemeral: ephemeral}, nil
}

// Close closes the database, removing the backing file for ephemeral stores.
func (s *BoltStore) Close() error {
	err := s.db.Close()
	if s.ephemeral {
		os.Remove(s.path)
	}
	return err
}

// itob encodes a sequence number as a sortable 8-byte big-endian key.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Workspace operations

func (s *BoltStore) CreateWorkspace(ws *types.Workspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		data, err := json.Marshal(ws)
		if err != nil {
			return err
		}
		return b.Put([]byte(ws.ID), data)
	})
}

func (s *BoltStore) GetWorkspace(id string) (*types.Workspace, error) {
	var ws types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &ws)
	})
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *BoltStore) ListWorkspaces() ([]*types.Workspace, error) {
	var workspaces []*types.Workspace
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkspaces)
		return b.ForEach(func(k, v []byte) error {
			var ws types.Workspace
			if err := json.Unmarshal(v, &ws); err != nil {
				return err
			}
			if ws.DeletedAt == nil {
				workspaces = append(workspaces, &ws)
			}
			return nil
		})
	})
	return workspaces, err
}

func (s *BoltStore) UpdateWorkspace(ws *types.Workspace) error {
	return s.CreateWorkspace(ws) // Same as create (upsert)
}

// DeleteWorkspace soft-deletes the workspace and every folder and document
// under it in one transaction. It returns the ids of the newly deleted rows.
func (s *BoltStore) DeleteWorkspace(id string, now time.Time) (*DeletedSet, error) {
	deleted := &DeletedSet{}
	stamp := now.UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		wb := tx.Bucket(bucketWorkspaces)
		data := wb.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		var ws types.Workspace
		if err := json.Unmarshal(data, &ws); err != nil {
			return err
		}
		ws.DeletedAt = &stamp
		ws.UpdatedAt = stamp
		if err := putJSON(wb, []byte(id), &ws); err != nil {
			return err
		}

		if err := stampFolders(tx, stamp, deleted, func(f *types.Folder) bool {
			return f.WorkspaceID == id
		}); err != nil {
			return err
		}
		return stampDocuments(tx, stamp, deleted, func(d *types.Document) bool {
			return d.WorkspaceID == id
		})
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Folder operations

func (s *BoltStore) CreateFolder(folder *types.Folder) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)
		data, err := json.Marshal(folder)
		if err != nil {
			return err
		}
		return b.Put([]byte(folder.ID), data)
	})
}

func (s *BoltStore) GetFolder(id string) (*types.Folder, error) {
	var folder types.Folder
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("folder %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &folder)
	})
	if err != nil {
		return nil, err
	}
	return &folder, nil
}

func (s *BoltStore) ListFolders(workspaceID string) ([]*types.Folder, error) {
	var folders []*types.Folder
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)
		return b.ForEach(func(k, v []byte) error {
			var folder types.Folder
			if err := json.Unmarshal(v, &folder); err != nil {
				return err
			}
			if folder.WorkspaceID == workspaceID && folder.DeletedAt == nil {
				folders = append(folders, &folder)
			}
			return nil
		})
	})
	return folders, err
}

func (s *BoltStore) UpdateFolder(folder *types.Folder) error {
	return s.CreateFolder(folder)
}

// DeleteFolderTree soft-deletes a folder, every folder below it, and every
// document inside any of them, all in one transaction.
func (s *BoltStore) DeleteFolderTree(id string, now time.Time) (*DeletedSet, error) {
	deleted := &DeletedSet{}
	stamp := now.UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketFolders)
		data := fb.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("folder %s: %w", id, ErrNotFound)
		}
		var root types.Folder
		if err := json.Unmarshal(data, &root); err != nil {
			return err
		}

		subtree, err := descendantFolders(tx, root.WorkspaceID, id)
		if err != nil {
			return err
		}

		if err := stampFolders(tx, stamp, deleted, func(f *types.Folder) bool {
			return subtree[f.ID]
		}); err != nil {
			return err
		}
		return stampDocuments(tx, stamp, deleted, func(d *types.Document) bool {
			return subtree[d.FolderID]
		})
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *BoltStore) RestoreFolder(id string, now time.Time) (*types.Folder, error) {
	var folder types.Folder
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolders)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("folder %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &folder); err != nil {
			return err
		}
		folder.DeletedAt = nil
		folder.UpdatedAt = now.UTC()
		return putJSON(b, []byte(id), &folder)
	})
	if err != nil {
		return nil, err
	}
	return &folder, nil
}

// descendantFolders returns the id set of the folder and everything below
// it, walking the live folder graph of the workspace breadth-first with a
// depth bound.
func descendantFolders(tx *bolt.Tx, workspaceID, rootID string) (map[string]bool, error) {
	children := make(map[string][]string)
	b := tx.Bucket(bucketFolders)
	err := b.ForEach(func(k, v []byte) error {
		var folder types.Folder
		if err := json.Unmarshal(v, &folder); err != nil {
			return err
		}
		if folder.WorkspaceID == workspaceID && folder.ParentID != "" {
			children[folder.ParentID] = append(children[folder.ParentID], folder.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	subtree := map[string]bool{rootID: true}
	frontier := []string{rootID}
	for depth := 0; depth < maxTreeDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, child := range children[id] {
				if !subtree[child] {
					subtree[child] = true
					next = append(next, child)
				}
			}
		}
		frontier = next
	}
	return subtree, nil
}

// stampFolders soft-deletes every live folder matched by the predicate and
// records its id.
func stampFolders(tx *bolt.Tx, stamp time.Time, deleted *DeletedSet, match func(*types.Folder) bool) error {
	b := tx.Bucket(bucketFolders)
	var pending []*types.Folder
	err := b.ForEach(func(k, v []byte) error {
		var folder types.Folder
		if err := json.Unmarshal(v, &folder); err != nil {
			return err
		}
		if folder.DeletedAt == nil && match(&folder) {
			pending = append(pending, &folder)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, folder := range pending {
		folder.DeletedAt = &stamp
		folder.UpdatedAt = stamp
		if err := putJSON(b, []byte(folder.ID), folder); err != nil {
			return err
		}
		deleted.FolderIDs = append(deleted.FolderIDs, folder.ID)
	}
	return nil
}

// stampDocuments trashes every live document matched by the predicate and
// records its id. Purged documents are left alone.
func stampDocuments(tx *bolt.Tx, stamp time.Time, deleted *DeletedSet, match func(*types.Document) bool) error {
	b := tx.Bucket(bucketDocuments)
	var pending []*types.Document
	err := b.ForEach(func(k, v []byte) error {
		var doc types.Document
		if err := json.Unmarshal(v, &doc); err != nil {
			return err
		}
		if doc.DeletedAt == nil && doc.State != types.DocPurged && match(&doc) {
			pending = append(pending, &doc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, doc := range pending {
		doc.DeletedAt = &stamp
		doc.UpdatedAt = stamp
		doc.State = types.DocTrashed
		if err := putJSON(b, []byte(doc.ID), doc); err != nil {
			return err
		}
		deleted.DocumentIDs = append(deleted.DocumentIDs, doc.ID)
	}
	return nil
}

// Document operations

func (s *BoltStore) CreateDocument(doc *types.Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.ID), data)
	})
}

func (s *BoltStore) GetDocument(id string) (*types.Document, error) {
	var doc types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *BoltStore) ListDocuments(workspaceID string) ([]*types.Document, error) {
	var docs []*types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		return b.ForEach(func(k, v []byte) error {
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if doc.WorkspaceID == workspaceID && doc.DeletedAt == nil {
				docs = append(docs, &doc)
			}
			return nil
		})
	})
	return docs, err
}

func (s *BoltStore) UpdateDocument(doc *types.Document) error {
	return s.CreateDocument(doc)
}

func (s *BoltStore) TrashDocument(id string, now time.Time) (*types.Document, error) {
	return s.transitionDocument(id, func(doc *types.Document) error {
		stamp := now.UTC()
		doc.State = types.DocTrashed
		doc.DeletedAt = &stamp
		doc.UpdatedAt = stamp
		return nil
	})
}

func (s *BoltStore) RestoreDocument(id string, now time.Time) (*types.Document, error) {
	return s.transitionDocument(id, func(doc *types.Document) error {
		doc.State = types.DocActive
		doc.DeletedAt = nil
		doc.UpdatedAt = now.UTC()
		return nil
	})
}

// PurgeDocument marks the document purged and drops its update log in the
// same transaction. Purged is terminal.
func (s *BoltStore) PurgeDocument(id string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		var doc types.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		stamp := now.UTC()
		doc.State = types.DocPurged
		doc.UpdatedAt = stamp
		if doc.DeletedAt == nil {
			doc.DeletedAt = &stamp
		}
		if err := putJSON(b, []byte(id), &doc); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUpdates).DeleteBucket([]byte(id)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}

// transitionDocument applies a lifecycle mutation, rejecting any transition
// out of purged.
func (s *BoltStore) transitionDocument(id string, mutate func(*types.Document) error) (*types.Document, error) {
	var doc types.Document
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if doc.State == types.DocPurged {
			return fmt.Errorf("document %s: %w", id, ErrPurged)
		}
		if err := mutate(&doc); err != nil {
			return err
		}
		return putJSON(b, []byte(id), &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Invite operations

// CreateInvite inserts a new invite row. Tokens are never reused: writing
// over an existing token is rejected so a deleted invite cannot come back.
func (s *BoltStore) CreateInvite(invite *types.Invite) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvites)
		if b.Get([]byte(invite.Token)) != nil {
			return fmt.Errorf("invite token already exists")
		}
		data, err := json.Marshal(invite)
		if err != nil {
			return err
		}
		return b.Put([]byte(invite.Token), data)
	})
}

func (s *BoltStore) GetInvite(token string) (*types.Invite, error) {
	var invite types.Invite
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvites)
		data := b.Get([]byte(token))
		if data == nil {
			return fmt.Errorf("invite: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &invite)
	})
	if err != nil {
		return nil, err
	}
	return &invite, nil
}

func (s *BoltStore) UpdateInvite(invite *types.Invite) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvites)
		if b.Get([]byte(invite.Token)) == nil {
			return fmt.Errorf("invite: %w", ErrNotFound)
		}
		data, err := json.Marshal(invite)
		if err != nil {
			return err
		}
		return b.Put([]byte(invite.Token), data)
	})
}

func (s *BoltStore) DeleteInvite(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInvites).Delete([]byte(token))
	})
}

func (s *BoltStore) ListInvites() ([]*types.Invite, error) {
	var invites []*types.Invite
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvites)
		return b.ForEach(func(k, v []byte) error {
			var invite types.Invite
			if err := json.Unmarshal(v, &invite); err != nil {
				return err
			}
			invites = append(invites, &invite)
			return nil
		})
	})
	return invites, err
}

// DeleteExpiredInvites removes every invite whose expiry is set and in the
// past. Invites without an expiry are left alone.
func (s *BoltStore) DeleteExpiredInvites(now time.Time) (int, error) {
	return s.deleteInvitesWhere(func(invite *types.Invite) bool {
		return invite.ExpiresAt != nil && invite.ExpiresAt.Before(now)
	})
}

// DeleteInvitesCreatedBefore removes every invite created before the cutoff
// regardless of its declared expiry.
func (s *BoltStore) DeleteInvitesCreatedBefore(cutoff time.Time) (int, error) {
	return s.deleteInvitesWhere(func(invite *types.Invite) bool {
		return invite.CreatedAt.Before(cutoff)
	})
}

func (s *BoltStore) deleteInvitesWhere(match func(*types.Invite) bool) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvites)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var invite types.Invite
			if err := json.Unmarshal(v, &invite); err != nil {
				return err
			}
			if match(&invite) {
				key := make([]byte, len(k))
				copy(key, k)
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Grant operations

// grantKey builds the composite key (user, entity type, entity id). Ids are
// uuids or hex keys, so the separator cannot collide.
func grantKey(userID string, entity types.EntityRef) []byte {
	return []byte(userID + "|" + string(entity.Type) + "|" + entity.ID)
}

func (s *BoltStore) PutGrant(grant *types.Grant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGrants)
		data, err := json.Marshal(grant)
		if err != nil {
			return err
		}
		key := grantKey(grant.UserID, types.EntityRef{Type: grant.EntityType, ID: grant.EntityID})
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetGrant(userID string, entity types.EntityRef) (*types.Grant, error) {
	var grant types.Grant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGrants)
		data := b.Get(grantKey(userID, entity))
		if data == nil {
			return fmt.Errorf("grant: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &grant)
	})
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (s *BoltStore) DeleteGrant(userID string, entity types.EntityRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGrants).Delete(grantKey(userID, entity))
	})
}

func (s *BoltStore) ListGrantsForUser(userID string) ([]*types.Grant, error) {
	var grants []*types.Grant
	prefix := []byte(userID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGrants).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var grant types.Grant
			if err := json.Unmarshal(v, &grant); err != nil {
				return err
			}
			grants = append(grants, &grant)
		}
		return nil
	})
	return grants, err
}

func (s *BoltStore) ListGrantsForEntity(entity types.EntityRef) ([]*types.Grant, error) {
	var grants []*types.Grant
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGrants)
		return b.ForEach(func(k, v []byte) error {
			var grant types.Grant
			if err := json.Unmarshal(v, &grant); err != nil {
				return err
			}
			if grant.EntityType == entity.Type && grant.EntityID == entity.ID {
				grants = append(grants, &grant)
			}
			return nil
		})
	})
	return grants, err
}

// Update log operations

// AppendUpdate appends one encrypted update to the document's log and
// returns its assigned sequence number. Sequence numbers strictly increase
// per document and are never reused.
func (s *BoltStore) AppendUpdate(docID string, ciphertext []byte, now time.Time) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketUpdates).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return fmt.Errorf("failed to create update log for %s: %w", docID, err)
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		record := types.UpdateRecord{
			DocID:      docID,
			Seq:        seq,
			Ciphertext: ciphertext,
			CreatedAt:  now.UTC(),
		}
		data, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// UpdatesSince returns every log record with a sequence number strictly
// greater than seq, in log order. seq 0 returns the whole log.
func (s *BoltStore) UpdatesSince(docID string, seq uint64) ([]*types.UpdateRecord, error) {
	var records []*types.UpdateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(itob(seq + 1)); k != nil; k, v = c.Next() {
			var record types.UpdateRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// LatestSeq returns the highest sequence number assigned to the document's
// log, or 0 when the log is empty.
func (s *BoltStore) LatestSeq(docID string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates).Bucket([]byte(docID))
		if b != nil {
			seq = b.Sequence()
		}
		return nil
	})
	return seq, err
}

func (s *BoltStore) DeleteUpdates(docID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketUpdates).DeleteBucket([]byte(docID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}
