package broker

import (
	"encoding/json"
	"fmt"

	"github.com/nahma/sidecar/pkg/invite"
	"github.com/nahma/sidecar/pkg/types"
	"github.com/nahma/sidecar/pkg/wire"
)

// shareActionFor maps an invite's permission level to the action required
// to mint or invalidate it: sharing never exceeds your own level.
func shareActionFor(p types.Permission) types.Action {
	switch p {
	case types.PermissionViewer:
		return types.ActionShareAsViewer
	case types.PermissionEditor:
		return types.ActionShareAsEditor
	default:
		return types.ActionShareAsOwner
	}
}

// checkEntityLive verifies the share target exists and is not deleted.
func (b *Broker) checkEntityLive(entity types.EntityRef) error {
	switch entity.Type {
	case types.EntityWorkspace:
		_, err := b.liveWorkspace(entity.ID)
		return err
	case types.EntityFolder:
		_, err := b.liveFolder(entity.ID)
		return err
	case types.EntityDocument:
		_, err := b.liveDocument(entity.ID)
		return err
	}
	return fmt.Errorf("%w: unknown entity type %q", errValidation, entity.Type)
}

func (b *Broker) handleCreateInvite(sess *session, raw []byte) {
	var frame wire.CreateInvite
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgCreateInvite, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	entity := types.EntityRef{Type: frame.EntityType, ID: frame.EntityID}
	if !entity.Type.Valid() || entity.ID == "" {
		b.replyErr(sess, wire.MsgCreateInvite, fmt.Errorf("%w: invite needs a valid entity reference", errValidation))
		return
	}
	if !frame.Permission.Valid() {
		b.replyErr(sess, wire.MsgCreateInvite, fmt.Errorf("%w: invalid permission %q", errValidation, frame.Permission))
		return
	}
	if frame.MaxUses != nil && *frame.MaxUses < 1 {
		b.replyErr(sess, wire.MsgCreateInvite, fmt.Errorf("%w: maxUses must be at least 1", errValidation))
		return
	}

	if err := b.checkEntityLive(entity); err != nil {
		b.replyErr(sess, wire.MsgCreateInvite, err)
		return
	}
	if err := b.authorize(sess, entity, shareActionFor(frame.Permission)); err != nil {
		b.replyErr(sess, wire.MsgCreateInvite, err)
		return
	}

	inv, err := b.invites.Create(entity, frame.Permission, invite.CreateOptions{
		ExpiresAt: frame.ExpiresAt,
		MaxUses:   frame.MaxUses,
	})
	if err != nil {
		b.replyErr(sess, wire.MsgCreateInvite, err)
		return
	}

	reply := wire.InviteCreated{
		Type:       wire.MsgInviteCreated,
		Token:      inv.Token,
		EntityType: inv.EntityType,
		EntityID:   inv.EntityID,
		Permission: inv.Permission,
		ExpiresAt:  inv.ExpiresAt,
		MaxUses:    inv.MaxUses,
		JoinPath:   "/join/" + inv.Token,
	}
	_ = sess.send(reply)

	workspaceID, err := b.workspaceOf(entity)
	if err != nil {
		b.log.Warn().Err(err).Str("token", inv.Token).Msg("invite created but workspace unresolved; broadcast skipped")
		return
	}
	b.broadcast(workspaceID, sess, reply)
}

func (b *Broker) handleRedeemInvite(sess *session, raw []byte) {
	var frame wire.RedeemInvite
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgRedeemInvite, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	if frame.Token == "" {
		b.replyErr(sess, wire.MsgRedeemInvite, fmt.Errorf("%w: token is required", errValidation))
		return
	}

	inv, change, err := b.invites.Redeem(sess.sessionKey(), frame.Token)
	if err != nil {
		b.replyErr(sess, wire.MsgRedeemInvite, err)
		return
	}

	_ = sess.send(wire.InviteRedeemed{
		Type:       wire.MsgInviteRedeemed,
		EntityType: inv.EntityType,
		EntityID:   inv.EntityID,
		Permission: inv.Permission,
	})

	if change == nil {
		return
	}
	entity := types.EntityRef{Type: inv.EntityType, ID: inv.EntityID}
	workspaceID, err := b.workspaceOf(entity)
	if err != nil {
		b.log.Warn().Err(err).Str("token", inv.Token).Msg("redeemed but workspace unresolved; broadcast skipped")
		return
	}
	b.broadcastToUser(workspaceID, change.UserID, sess, wire.PermissionChanged{
		Type:       wire.MsgPermissionChanged,
		UserID:     change.UserID,
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		Old:        change.Old,
		New:        change.New,
	})
}

// handleInvalidateInvite kills a share link immediately and tells every
// redeemer, so sessions leaning on the link re-authorize.
func (b *Broker) handleInvalidateInvite(sess *session, raw []byte) {
	var frame wire.InvalidateInvite
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.replyErr(sess, wire.MsgInvalidateInvite, fmt.Errorf("%w: %v", errValidation, err))
		return
	}

	existing, err := b.store.GetInvite(frame.Token)
	if err != nil {
		b.replyErr(sess, wire.MsgInvalidateInvite, err)
		return
	}
	entity := types.EntityRef{Type: existing.EntityType, ID: existing.EntityID}
	if err := b.authorize(sess, entity, shareActionFor(existing.Permission)); err != nil {
		b.replyErr(sess, wire.MsgInvalidateInvite, err)
		return
	}

	inv, err := b.invites.Invalidate(frame.Token)
	if err != nil {
		b.replyErr(sess, wire.MsgInvalidateInvite, err)
		return
	}

	_ = sess.send(wire.InviteInvalidated{Type: wire.MsgInviteInvalidated, Token: inv.Token})

	notice := wire.LinkInvalidated{
		Type:       wire.MsgLinkInvalidated,
		Token:      inv.Token,
		EntityType: inv.EntityType,
		EntityID:   inv.EntityID,
	}
	for _, userID := range inv.RedeemedBy {
		b.notifyUser(userID, sess, notice)
	}
	b.log.Info().Str("token", inv.Token).Int("redeemers", len(inv.RedeemedBy)).Msg("invite invalidated")
}
