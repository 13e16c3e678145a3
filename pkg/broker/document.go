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

// liveDocument loads a document and hides everything but active rows.
func (b *Broker) liveDocument(id string) (*types.Document, error) {
	doc, err := b.store.GetDocument(id)
	if err != nil {
		return nil, err
	}
	if doc.State != types.DocActive {
		return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	return doc, nil
}

func (b *Broker) handleCreateDocument(sess *session, raw []byte) {
	var frame wire.CreateDocument
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgCreateDocument, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	doc := frame.Document
	if strings.TrimSpace(doc.Name) == "" {
		b.replyErr(sess, wire.MsgCreateDocument, fmt.Errorf("%w: document name is required", errValidation))
		return
	}

	if _, err := b.liveWorkspace(doc.WorkspaceID); err != nil {
		b.replyErr(sess, wire.MsgCreateDocument, err)
		return
	}
	if doc.FolderID != "" {
		folder, err := b.liveFolder(doc.FolderID)
		if err != nil {
			b.replyErr(sess, wire.MsgCreateDocument, err)
			return
		}
		if folder.WorkspaceID != doc.WorkspaceID {
			b.replyErr(sess, wire.MsgCreateDocument, fmt.Errorf("%w: folder belongs to another workspace", errValidation))
			return
		}
	}
	if err := b.authorize(sess, containerRef(doc.WorkspaceID, doc.FolderID), types.ActionCreate); err != nil {
		b.replyErr(sess, wire.MsgCreateDocument, err)
		return
	}

	now := b.now()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.State = types.DocActive
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.DeletedAt = nil

	if err := b.store.CreateDocument(&doc); err != nil {
		b.replyErr(sess, wire.MsgCreateDocument, err)
		return
	}

	reply := wire.DocumentReply{Type: wire.MsgDocumentCreated, Document: doc}
	_ = sess.send(reply)
	b.broadcast(doc.WorkspaceID, sess, reply)
}

func (b *Broker) handleRenameDocument(sess *session, raw []byte) {
	var frame wire.RenameDocument
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgRenameDocument, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	if strings.TrimSpace(frame.Name) == "" {
		b.replyErr(sess, wire.MsgRenameDocument, fmt.Errorf("%w: document name is required", errValidation))
		return
	}

	doc, err := b.liveDocument(frame.DocID)
	if err != nil {
		b.replyErr(sess, wire.MsgRenameDocument, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityDocument, ID: doc.ID}
	if err := b.authorize(sess, entity, types.ActionEdit); err != nil {
		b.replyErr(sess, wire.MsgRenameDocument, err)
		return
	}

	doc.Name = frame.Name
	doc.UpdatedAt = b.now()
	if err := b.store.UpdateDocument(doc); err != nil {
		b.replyErr(sess, wire.MsgRenameDocument, err)
		return
	}

	reply := wire.DocumentReply{Type: wire.MsgDocumentRenamed, Document: *doc}
	_ = sess.send(reply)
	b.broadcast(doc.WorkspaceID, sess, reply)
}

func (b *Broker) handleMoveDocument(sess *session, raw []byte) {
	var frame wire.MoveDocument
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgMoveDocument, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	doc, err := b.liveDocument(frame.DocID)
	if err != nil {
		b.replyErr(sess, wire.MsgMoveDocument, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityDocument, ID: doc.ID}
	if err := b.authorize(sess, entity, types.ActionEdit); err != nil {
		b.replyErr(sess, wire.MsgMoveDocument, err)
		return
	}

	if frame.NewFolderID != "" {
		folder, err := b.liveFolder(frame.NewFolderID)
		if err != nil {
			b.replyErr(sess, wire.MsgMoveDocument, err)
			return
		}
		if folder.WorkspaceID != doc.WorkspaceID {
			b.replyErr(sess, wire.MsgMoveDocument, fmt.Errorf("%w: destination belongs to another workspace", errValidation))
			return
		}
	}
	if err := b.authorize(sess, containerRef(doc.WorkspaceID, frame.NewFolderID), types.ActionCreate); err != nil {
		b.replyErr(sess, wire.MsgMoveDocument, err)
		return
	}

	doc.FolderID = frame.NewFolderID
	doc.UpdatedAt = b.now()
	if err := b.store.UpdateDocument(doc); err != nil {
		b.replyErr(sess, wire.MsgMoveDocument, err)
		return
	}

	reply := wire.DocumentReply{Type: wire.MsgDocumentMoved, Document: *doc}
	_ = sess.send(reply)
	b.broadcast(doc.WorkspaceID, sess, reply)
}

func (b *Broker) handleDeleteDocument(sess *session, raw []byte) {
	var frame wire.DeleteDocument
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgDeleteDocument, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	doc, err := b.liveDocument(frame.DocID)
	if err != nil {
		b.replyErr(sess, wire.MsgDeleteDocument, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityDocument, ID: doc.ID}
	if err := b.authorize(sess, entity, types.ActionDelete); err != nil {
		b.replyErr(sess, wire.MsgDeleteDocument, err)
		return
	}

	if _, err := b.store.TrashDocument(doc.ID, b.now()); err != nil {
		b.replyErr(sess, wire.MsgDeleteDocument, err)
		return
	}
	b.reg.CloseOpenDocs([]string{doc.ID})
	b.notifyDocsClosed([]string{doc.ID})

	reply := wire.DocumentDeleted{Type: wire.MsgDocumentDeleted, DocID: doc.ID}
	_ = sess.send(reply)
	b.broadcast(doc.WorkspaceID, sess, reply)
}

// handleRestoreDocument brings a trashed document back. Purged documents
// are gone for good; the transition comes back as a conflict.
func (b *Broker) handleRestoreDocument(sess *session, raw []byte) {
	var frame wire.RestoreDocument
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgRestoreDocument, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	doc, err := b.store.GetDocument(frame.DocID)
	if err != nil {
		b.replyErr(sess, wire.MsgRestoreDocument, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityDocument, ID: doc.ID}
	if err := b.authorize(sess, entity, types.ActionRestore); err != nil {
		b.replyErr(sess, wire.MsgRestoreDocument, err)
		return
	}

	restored, err := b.store.RestoreDocument(doc.ID, b.now())
	if err != nil {
		b.replyErr(sess, wire.MsgRestoreDocument, err)
		return
	}

	reply := wire.DocumentReply{Type: wire.MsgDocumentRestored, Document: *restored}
	_ = sess.send(reply)
	b.broadcast(restored.WorkspaceID, sess, reply)
}

// handleOpenDocument registers the session in the open-document set and
// returns the row. The reply is requester-only; presence flows through
// awareness on the document endpoint instead.
func (b *Broker) handleOpenDocument(sess *session, raw []byte) {
	var frame wire.OpenDocument
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgOpenDocument, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	doc, err := b.liveDocument(frame.DocID)
	if err != nil {
		b.replyErr(sess, wire.MsgOpenDocument, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityDocument, ID: doc.ID}
	if err := b.authorize(sess, entity, types.ActionView); err != nil {
		b.replyErr(sess, wire.MsgOpenDocument, err)
		return
	}

	b.reg.MarkOpen(doc.ID, sess)
	if b.onDocOpened != nil {
		b.onDocOpened(doc.ID)
	}
	_ = sess.send(wire.DocumentReply{Type: wire.MsgDocumentOpened, Document: *doc})
}
