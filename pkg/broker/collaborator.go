package broker

import (
	"encoding/json"
	"fmt"

	"github.com/nahma/sidecar/pkg/types"
	"github.com/nahma/sidecar/pkg/wire"
)

// handleUpdateCollaboratorPermission assigns a user's direct grant on an
// entity to exactly the requested level. Unlike invite redemption, this
// path may lower a grant; only an owner can call it. A permission of
// "none" removes the direct grant.
func (b *Broker) handleUpdateCollaboratorPermission(sess *session, raw []byte) {
	var frame wire.UpdateCollaboratorPermission
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgUpdateCollaboratorPermission, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	entity := types.EntityRef{Type: frame.EntityType, ID: frame.EntityID}
	if !entity.Type.Valid() || entity.ID == "" {
		b.replyErr(sess, wire.MsgUpdateCollaboratorPermission, fmt.Errorf("%w: valid entity reference required", errValidation))
		return
	}
	if frame.UserID == "" {
		b.replyErr(sess, wire.MsgUpdateCollaboratorPermission, fmt.Errorf("%w: userId is required", errValidation))
		return
	}
	if frame.Permission != types.PermissionNone && !frame.Permission.Valid() {
		b.replyErr(sess, wire.MsgUpdateCollaboratorPermission, fmt.Errorf("%w: invalid permission %q", errValidation, frame.Permission))
		return
	}

	if err := b.checkEntityLive(entity); err != nil {
		b.replyErr(sess, wire.MsgUpdateCollaboratorPermission, err)
		return
	}
	if err := b.authorize(sess, entity, types.ActionManageCollaborators); err != nil {
		b.replyErr(sess, wire.MsgUpdateCollaboratorPermission, err)
		return
	}

	var (
		change *types.PermissionChange
		err    error
	)
	if frame.Permission == types.PermissionNone {
		change, err = b.perms.Revoke(frame.UserID, entity)
	} else {
		change, err = b.perms.Set(frame.UserID, entity, frame.Permission)
	}
	if err != nil {
		b.replyErr(sess, wire.MsgUpdateCollaboratorPermission, err)
		return
	}

	reply := wire.PermissionChanged{
		Type:       wire.MsgPermissionChanged,
		UserID:     frame.UserID,
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Old:        frame.Permission,
		New:        frame.Permission,
	}
	if change != nil {
		reply.Old = change.Old
		reply.New = change.New
	}
	_ = sess.send(reply)

	if change == nil {
		return
	}
	workspaceID, err := b.workspaceOf(entity)
	if err != nil {
		b.log.Warn().Err(err).Str("user", frame.UserID).Msg("permission changed but workspace unresolved; broadcast skipped")
		return
	}
	b.broadcastToUser(workspaceID, frame.UserID, sess, reply)
	b.log.Info().Str("user", frame.UserID).Str("entity", entity.ID).
		Str("old", string(reply.Old)).Str("new", string(reply.New)).Msg("collaborator permission updated")
}
