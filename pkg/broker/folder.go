package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
	"github.com/nahma/sidecar/pkg/wire"
)

// maxTreeDepth bounds every ancestor walk so a corrupted parent chain
// cannot spin the handler.
const maxTreeDepth = 64

// liveFolder loads a folder and hides soft-deleted rows.
func (b *Broker) liveFolder(id string) (*types.Folder, error) {
	folder, err := b.store.GetFolder(id)
	if err != nil {
		return nil, err
	}
	if folder.DeletedAt != nil {
		return nil, fmt.Errorf("folder %s: %w", id, storage.ErrNotFound)
	}
	return folder, nil
}

// containerRef resolves the permission entity for creating inside a
// parent: the folder itself, or the workspace when parentID is empty.
func containerRef(workspaceID, parentID string) types.EntityRef {
	if parentID != "" {
		return types.EntityRef{Type: types.EntityFolder, ID: parentID}
	}
	return types.EntityRef{Type: types.EntityWorkspace, ID: workspaceID}
}

func (b *Broker) handleCreateFolder(sess *session, raw []byte) {
	var frame wire.CreateFolder
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgCreateFolder, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	folder := frame.Folder
	if strings.TrimSpace(folder.Name) == "" {
		b.replyErr(sess, wire.MsgCreateFolder, fmt.Errorf("%w: folder name is required", errValidation))
		return
	}

	if _, err := b.liveWorkspace(folder.WorkspaceID); err != nil {
		b.replyErr(sess, wire.MsgCreateFolder, err)
		return
	}
	if folder.ParentID != "" {
		parent, err := b.liveFolder(folder.ParentID)
		if err != nil {
			b.replyErr(sess, wire.MsgCreateFolder, err)
			return
		}
		if parent.WorkspaceID != folder.WorkspaceID {
			b.replyErr(sess, wire.MsgCreateFolder, fmt.Errorf("%w: parent folder belongs to another workspace", errValidation))
			return
		}
	}
	if err := b.authorize(sess, containerRef(folder.WorkspaceID, folder.ParentID), types.ActionCreate); err != nil {
		b.replyErr(sess, wire.MsgCreateFolder, err)
		return
	}

	now := b.now()
	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	folder.CreatedAt = now
	folder.UpdatedAt = now
	folder.DeletedAt = nil

	if err := b.store.CreateFolder(&folder); err != nil {
		b.replyErr(sess, wire.MsgCreateFolder, err)
		return
	}

	reply := wire.FolderReply{Type: wire.MsgFolderCreated, Folder: folder}
	_ = sess.send(reply)
	b.broadcast(folder.WorkspaceID, sess, reply)
}

func (b *Broker) handleRenameFolder(sess *session, raw []byte) {
	var frame wire.RenameFolder
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgRenameFolder, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	if strings.TrimSpace(frame.Name) == "" {
		b.replyErr(sess, wire.MsgRenameFolder, fmt.Errorf("%w: folder name is required", errValidation))
		return
	}

	folder, err := b.liveFolder(frame.FolderID)
	if err != nil {
		b.replyErr(sess, wire.MsgRenameFolder, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityFolder, ID: folder.ID}
	if err := b.authorize(sess, entity, types.ActionEdit); err != nil {
		b.replyErr(sess, wire.MsgRenameFolder, err)
		return
	}

	folder.Name = frame.Name
	folder.UpdatedAt = b.now()
	if err := b.store.UpdateFolder(folder); err != nil {
		b.replyErr(sess, wire.MsgRenameFolder, err)
		return
	}

	reply := wire.FolderReply{Type: wire.MsgFolderRenamed, Folder: *folder}
	_ = sess.send(reply)
	b.broadcast(folder.WorkspaceID, sess, reply)
}

// handleMoveFolder reparents a folder. A move is rejected with CONFLICT
// when the destination sits inside the folder's own subtree, which is the
// only edge at which a parent cycle could form.
func (b *Broker) handleMoveFolder(sess *session, raw []byte) {
	var frame wire.MoveFolder
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgMoveFolder, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	folder, err := b.liveFolder(frame.FolderID)
	if err != nil {
		b.replyErr(sess, wire.MsgMoveFolder, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityFolder, ID: folder.ID}
	if err := b.authorize(sess, entity, types.ActionEdit); err != nil {
		b.replyErr(sess, wire.MsgMoveFolder, err)
		return
	}

	if frame.NewParentID != "" {
		target, err := b.liveFolder(frame.NewParentID)
		if err != nil {
			b.replyErr(sess, wire.MsgMoveFolder, err)
			return
		}
		if target.WorkspaceID != folder.WorkspaceID {
			b.replyErr(sess, wire.MsgMoveFolder, fmt.Errorf("%w: destination belongs to another workspace", errValidation))
			return
		}
		if err := b.checkNoCycle(folder.ID, target); err != nil {
			b.replyErr(sess, wire.MsgMoveFolder, err)
			return
		}
	}
	if err := b.authorize(sess, containerRef(folder.WorkspaceID, frame.NewParentID), types.ActionCreate); err != nil {
		b.replyErr(sess, wire.MsgMoveFolder, err)
		return
	}

	folder.ParentID = frame.NewParentID
	folder.UpdatedAt = b.now()
	if err := b.store.UpdateFolder(folder); err != nil {
		b.replyErr(sess, wire.MsgMoveFolder, err)
		return
	}

	reply := wire.FolderReply{Type: wire.MsgFolderMoved, Folder: *folder}
	_ = sess.send(reply)
	b.broadcast(folder.WorkspaceID, sess, reply)
}

// checkNoCycle walks up from the destination; finding the moved folder on
// the way means the destination is inside its subtree.
func (b *Broker) checkNoCycle(folderID string, target *types.Folder) error {
	node := target
	for depth := 0; depth < maxTreeDepth; depth++ {
		if node.ID == folderID {
			return fmt.Errorf("%w: cannot move a folder into its own subtree", errConflict)
		}
		if node.ParentID == "" {
			return nil
		}
		parent, err := b.store.GetFolder(node.ParentID)
		if err != nil {
			return err
		}
		node = parent
	}
	return fmt.Errorf("%w: folder tree exceeds maximum depth", errConflict)
}

// handleDeleteFolder soft-deletes the subtree. The broadcast names every
// cascaded folder and document plus the users that had any of those
// documents open, so their editors can close.
func (b *Broker) handleDeleteFolder(sess *session, raw []byte) {
	var frame wire.DeleteFolder
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgDeleteFolder, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	folder, err := b.liveFolder(frame.FolderID)
	if err != nil {
		b.replyErr(sess, wire.MsgDeleteFolder, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityFolder, ID: folder.ID}
	if err := b.authorize(sess, entity, types.ActionDelete); err != nil {
		b.replyErr(sess, wire.MsgDeleteFolder, err)
		return
	}

	deleted, err := b.store.DeleteFolderTree(folder.ID, b.now())
	if err != nil {
		b.replyErr(sess, wire.MsgDeleteFolder, err)
		return
	}
	affected := b.reg.OpenUsers(deleted.DocumentIDs)
	b.reg.CloseOpenDocs(deleted.DocumentIDs)
	b.notifyDocsClosed(deleted.DocumentIDs)

	reply := wire.FolderDeleted{
		Type:          wire.MsgFolderDeleted,
		FolderID:      folder.ID,
		FolderIDs:     deleted.FolderIDs,
		DocumentIDs:   deleted.DocumentIDs,
		AffectedUsers: affected,
	}
	_ = sess.send(reply)
	b.broadcast(folder.WorkspaceID, sess, reply)
	b.log.Info().Str("folder", folder.ID).Int("folders", len(deleted.FolderIDs)).
		Int("documents", len(deleted.DocumentIDs)).Msg("folder deleted")
}

// handleRestoreFolder clears the folder's own delete marker. Children
// deleted by the same cascade stay deleted and are restored one by one.
func (b *Broker) handleRestoreFolder(sess *session, raw []byte) {
	var frame wire.RestoreFolder
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgRestoreFolder, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	// The row must exist; deleted is the expected state here.
	folder, err := b.store.GetFolder(frame.FolderID)
	if err != nil {
		b.replyErr(sess, wire.MsgRestoreFolder, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityFolder, ID: folder.ID}
	if err := b.authorize(sess, entity, types.ActionRestore); err != nil {
		b.replyErr(sess, wire.MsgRestoreFolder, err)
		return
	}

	restored, err := b.store.RestoreFolder(folder.ID, b.now())
	if err != nil {
		b.replyErr(sess, wire.MsgRestoreFolder, err)
		return
	}

	reply := wire.FolderReply{Type: wire.MsgFolderRestored, Folder: *restored}
	_ = sess.send(reply)
	b.broadcast(restored.WorkspaceID, sess, reply)
}

func (b *Broker) handleListFolders(sess *session, raw []byte) {
	var frame wire.ListFolders
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgListFolders, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	if _, err := b.liveWorkspace(frame.WorkspaceID); err != nil {
		b.replyErr(sess, wire.MsgListFolders, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityWorkspace, ID: frame.WorkspaceID}
	if err := b.authorize(sess, entity, types.ActionView); err != nil {
		b.replyErr(sess, wire.MsgListFolders, err)
		return
	}

	folders, err := b.store.ListFolders(frame.WorkspaceID)
	if err != nil {
		b.replyErr(sess, wire.MsgListFolders, err)
		return
	}
	rows := make([]types.Folder, 0, len(folders))
	for _, f := range folders {
		rows = append(rows, *f)
	}

	_ = sess.send(wire.FolderList{Type: wire.MsgFolderList, WorkspaceID: frame.WorkspaceID, Folders: rows})
}
