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

// liveWorkspace loads a workspace and hides soft-deleted rows.
func (b *Broker) liveWorkspace(id string) (*types.Workspace, error) {
	ws, err := b.store.GetWorkspace(id)
	if err != nil {
		return nil, err
	}
	if ws.DeletedAt != nil {
		return nil, fmt.Errorf("workspace %s: %w", id, storage.ErrNotFound)
	}
	return ws, nil
}

func (b *Broker) handleCreateWorkspace(sess *session, raw []byte) {
	var frame wire.CreateWorkspace
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgCreateWorkspace, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	ws := frame.Workspace
	if strings.TrimSpace(ws.Name) == "" {
		b.replyErr(sess, wire.MsgCreateWorkspace, fmt.Errorf("%w: workspace name is required", errValidation))
		return
	}

	now := b.now()
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	ws.OwnerID = sess.sessionKey()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	ws.DeletedAt = nil

	if err := b.store.CreateWorkspace(&ws); err != nil {
		b.replyErr(sess, wire.MsgCreateWorkspace, err)
		return
	}

	// The creator is subscribed immediately so follow-up events land
	// without an explicit join round trip.
	b.reg.Join(ws.ID, sess)

	reply := wire.WorkspaceReply{Type: wire.MsgWorkspaceCreated, Workspace: ws}
	_ = sess.send(reply)
	b.broadcast(ws.ID, sess, reply)
	b.log.Info().Str("workspace", ws.ID).Str("session", sess.sessionKey()).Msg("workspace created")
}

func (b *Broker) handleUpdateWorkspace(sess *session, raw []byte) {
	var frame wire.UpdateWorkspace
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgUpdateWorkspace, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	if strings.TrimSpace(frame.Name) == "" {
		b.replyErr(sess, wire.MsgUpdateWorkspace, fmt.Errorf("%w: workspace name is required", errValidation))
		return
	}

	ws, err := b.liveWorkspace(frame.WorkspaceID)
	if err != nil {
		b.replyErr(sess, wire.MsgUpdateWorkspace, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityWorkspace, ID: ws.ID}
	if err := b.authorize(sess, entity, types.ActionEdit); err != nil {
		b.replyErr(sess, wire.MsgUpdateWorkspace, err)
		return
	}

	ws.Name = frame.Name
	ws.UpdatedAt = b.now()
	if err := b.store.UpdateWorkspace(ws); err != nil {
		b.replyErr(sess, wire.MsgUpdateWorkspace, err)
		return
	}

	reply := wire.WorkspaceReply{Type: wire.MsgWorkspaceUpdated, Workspace: *ws}
	_ = sess.send(reply)
	b.broadcast(ws.ID, sess, reply)
}

func (b *Broker) handleDeleteWorkspace(sess *session, raw []byte) {
	var frame wire.DeleteWorkspace
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgDeleteWorkspace, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	ws, err := b.liveWorkspace(frame.WorkspaceID)
	if err != nil {
		b.replyErr(sess, wire.MsgDeleteWorkspace, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityWorkspace, ID: ws.ID}
	if err := b.authorize(sess, entity, types.ActionDeleteWorkspace); err != nil {
		b.replyErr(sess, wire.MsgDeleteWorkspace, err)
		return
	}

	deleted, err := b.store.DeleteWorkspace(ws.ID, b.now())
	if err != nil {
		b.replyErr(sess, wire.MsgDeleteWorkspace, err)
		return
	}
	b.reg.CloseOpenDocs(deleted.DocumentIDs)
	b.notifyDocsClosed(deleted.DocumentIDs)

	reply := wire.WorkspaceDeleted{Type: wire.MsgWorkspaceDeleted, WorkspaceID: ws.ID}
	_ = sess.send(reply)
	b.broadcast(ws.ID, sess, reply)
	b.log.Info().Str("workspace", ws.ID).Int("folders", len(deleted.FolderIDs)).
		Int("documents", len(deleted.DocumentIDs)).Msg("workspace deleted")
}

// handleListWorkspaces replies with the workspaces the session key can
// see. Nothing else exists as far as this key is concerned.
func (b *Broker) handleListWorkspaces(sess *session) {
	all, err := b.store.ListWorkspaces()
	if err != nil {
		b.replyErr(sess, wire.MsgListWorkspaces, err)
		return
	}

	key := sess.sessionKey()
	visible := make([]types.Workspace, 0, len(all))
	for _, ws := range all {
		if ws.DeletedAt != nil {
			continue
		}
		effective, err := b.perms.Effective(key, types.EntityRef{Type: types.EntityWorkspace, ID: ws.ID})
		if err != nil {
			b.replyErr(sess, wire.MsgListWorkspaces, err)
			return
		}
		if effective.AtLeast(types.PermissionViewer) {
			visible = append(visible, *ws)
		}
	}

	_ = sess.send(wire.WorkspaceList{Type: wire.MsgWorkspaceList, Workspaces: visible})
}

func (b *Broker) handleJoinWorkspace(sess *session, raw []byte) {
	var frame wire.JoinWorkspace
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgJoinWorkspace, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	ws, err := b.liveWorkspace(frame.WorkspaceID)
	if err != nil {
		b.replyErr(sess, wire.MsgJoinWorkspace, err)
		return
	}
	entity := types.EntityRef{Type: types.EntityWorkspace, ID: ws.ID}
	if err := b.authorize(sess, entity, types.ActionView); err != nil {
		b.replyErr(sess, wire.MsgJoinWorkspace, err)
		return
	}

	b.reg.Join(ws.ID, sess)
	_ = sess.send(wire.WorkspaceReply{Type: wire.MsgWorkspaceJoined, Workspace: *ws})
}

// handleLeaveWorkspace drops the subscription only. Grants survive, so a
// later join resumes where the user left off.
func (b *Broker) handleLeaveWorkspace(sess *session, raw []byte) {
	var frame wire.LeaveWorkspace
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgLeaveWorkspace, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	b.reg.Leave(frame.WorkspaceID, sess)
	_ = sess.send(wire.WorkspaceLeft{Type: wire.MsgWorkspaceLeft, WorkspaceID: frame.WorkspaceID})
}
