package broker

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nahma/sidecar/pkg/crypto"
	"github.com/nahma/sidecar/pkg/invite"
	"github.com/nahma/sidecar/pkg/log"
	"github.com/nahma/sidecar/pkg/metrics"
	"github.com/nahma/sidecar/pkg/permission"
	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
	"github.com/nahma/sidecar/pkg/wire"
)

// Sentinels for authorization outcomes. Store errors pass through
// untouched so errors.Is keeps working.
var (
	errDenied     = errors.New("permission denied")
	errValidation = errors.New("validation failed")
	errConflict   = errors.New("conflict")
)

// Config tunes the metadata endpoint.
type Config struct {
	// RateLimit and RateWindow bound metadata operations per session key.
	// Zero values fall back to the defaults.
	RateLimit  int
	RateWindow time.Duration

	// OnDocumentOpened fires after open-document succeeds. The supervisor
	// wires it to the relay so the internal observer attaches as soon as
	// a document is opened, not on the first CRDT subscriber.
	OnDocumentOpened func(docID string)

	// OnDocumentsClosed fires with the documents a delete cascade closed.
	OnDocumentsClosed func(docIDs []string)
}

// Broker is the metadata endpoint: one WebSocket handler that owns the
// workspace subscription registry and routes JSON operation frames to the
// store, the permission engine, and the invite manager.
type Broker struct {
	store        storage.Store
	perms        *permission.Engine
	invites      *invite.Manager
	clock        clockwork.Clock
	reg          *Registry
	limiter      *RateLimiter
	log          zerolog.Logger
	upgrader     websocket.Upgrader
	onDocOpened  func(string)
	onDocsClosed func([]string)

	connMu sync.Mutex
	conns  map[*session]struct{}
}

// New builds a Broker on top of the given store, permission engine, and
// invite manager.
func New(store storage.Store, perms *permission.Engine, invites *invite.Manager, clock clockwork.Clock, cfg Config) *Broker {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	return &Broker{
		store:        store,
		perms:        perms,
		invites:      invites,
		clock:        clock,
		reg:          NewRegistry(),
		limiter:      NewRateLimiter(cfg.RateLimit, cfg.RateWindow, clock),
		log:          log.WithComponent("broker"),
		onDocOpened:  cfg.OnDocumentOpened,
		onDocsClosed: cfg.OnDocumentsClosed,
		conns:        make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The sidecar serves local clients and invite links from
			// arbitrary origins; authorization happens per frame.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the subscription registry so the supervisor can share
// it with the document relay for open-document accounting.
func (b *Broker) Registry() *Registry {
	return b.reg
}

// HandleWS upgrades the request and services the connection until close.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := newSession(conn)
	b.connMu.Lock()
	b.conns[sess] = struct{}{}
	b.connMu.Unlock()
	metrics.ConnectionsActive.WithLabelValues("metadata").Inc()
	b.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection opened")

	b.readLoop(sess)
}

// CloseAll sends a going-away close to every live connection. Each reader
// loop observes the close and runs its normal teardown.
func (b *Broker) CloseAll() {
	b.connMu.Lock()
	sessions := make([]*session, 0, len(b.conns))
	for sess := range b.conns {
		sessions = append(sessions, sess)
	}
	b.connMu.Unlock()

	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// ConnCount reports the number of live connections.
func (b *Broker) ConnCount() int {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return len(b.conns)
}

func (b *Broker) readLoop(sess *session) {
	defer b.teardown(sess)
	for {
		msgType, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug().Err(err).Msg("connection dropped")
			}
			return
		}
		if msgType != websocket.TextMessage {
			b.dropMalformed(sess, "non-text frame on metadata endpoint")
			continue
		}
		metrics.FramesReceivedTotal.WithLabelValues("metadata").Inc()
		b.dispatch(sess, raw)
	}
}

func (b *Broker) teardown(sess *session) {
	sess.setState(stateClosing)
	key := sess.sessionKey()
	b.connMu.Lock()
	delete(b.conns, sess)
	b.connMu.Unlock()
	b.reg.Drop(sess)
	if key != "" && len(b.reg.SessionsForUser(key)) == 0 {
		b.limiter.Forget(key)
	}
	_ = sess.conn.Close()
	metrics.ConnectionsActive.WithLabelValues("metadata").Dec()
	b.log.Debug().Str("session", key).Msg("connection closed")
}

// dispatch routes one frame. Malformed frames are logged and dropped; the
// connection stays open. Everything before set-key is AUTH_REQUIRED.
func (b *Broker) dispatch(sess *session, raw []byte) {
	op, err := wire.Peek(raw)
	if err != nil {
		b.dropMalformed(sess, err.Error())
		return
	}

	if sess.state() == stateConnecting {
		if op != wire.MsgSetKey {
			sess.sendError(wire.CodeAuthRequired, "set-key required before any operation")
			return
		}
		b.handleSetKey(sess, raw)
		return
	}
	if op == wire.MsgSetKey {
		b.handleSetKey(sess, raw)
		return
	}

	if !b.limiter.Allow(sess.sessionKey()) {
		metrics.RateLimitRejectionsTotal.Inc()
		sess.sendError(wire.CodeRateLimited, "operation rate limit exceeded")
		return
	}

	sess.markActive()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MetaOpDuration.WithLabelValues(op))

	switch op {
	case wire.MsgCreateWorkspace:
		b.handleCreateWorkspace(sess, raw)
	case wire.MsgUpdateWorkspace:
		b.handleUpdateWorkspace(sess, raw)
	case wire.MsgDeleteWorkspace:
		b.handleDeleteWorkspace(sess, raw)
	case wire.MsgListWorkspaces:
		b.handleListWorkspaces(sess)
	case wire.MsgJoinWorkspace:
		b.handleJoinWorkspace(sess, raw)
	case wire.MsgLeaveWorkspace:
		b.handleLeaveWorkspace(sess, raw)
	case wire.MsgCreateFolder:
		b.handleCreateFolder(sess, raw)
	case wire.MsgRenameFolder:
		b.handleRenameFolder(sess, raw)
	case wire.MsgMoveFolder:
		b.handleMoveFolder(sess, raw)
	case wire.MsgDeleteFolder:
		b.handleDeleteFolder(sess, raw)
	case wire.MsgRestoreFolder:
		b.handleRestoreFolder(sess, raw)
	case wire.MsgListFolders:
		b.handleListFolders(sess, raw)
	case wire.MsgCreateDocument:
		b.handleCreateDocument(sess, raw)
	case wire.MsgRenameDocument:
		b.handleRenameDocument(sess, raw)
	case wire.MsgMoveDocument:
		b.handleMoveDocument(sess, raw)
	case wire.MsgDeleteDocument:
		b.handleDeleteDocument(sess, raw)
	case wire.MsgRestoreDocument:
		b.handleRestoreDocument(sess, raw)
	case wire.MsgOpenDocument:
		b.handleOpenDocument(sess, raw)
	case wire.MsgCreateInvite:
		b.handleCreateInvite(sess, raw)
	case wire.MsgRedeemInvite:
		b.handleRedeemInvite(sess, raw)
	case wire.MsgInvalidateInvite:
		b.handleInvalidateInvite(sess, raw)
	case wire.MsgUpdateCollaboratorPermission:
		b.handleUpdateCollaboratorPermission(sess, raw)
	default:
		b.dropMalformed(sess, "unknown frame type "+op)
	}
}

func (b *Broker) handleSetKey(sess *session, raw []byte) {
	var frame wire.SetKey
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.dropMalformed(sess, "set-key: "+err.Error())
		return
	}
	key := strings.ToLower(strings.TrimSpace(frame.Payload))
	decoded, err := hex.DecodeString(key)
	if err != nil || len(decoded) != crypto.KeySize {
		sess.sendError(wire.CodeValidation, "session key must be 32 bytes hex encoded")
		return
	}

	if current := sess.sessionKey(); current != "" {
		if current != key {
			sess.sendError(wire.CodeValidation, "session key already set")
			return
		}
		// Idempotent re-key; acknowledge again.
		_ = sess.send(wire.NewStatus())
		return
	}

	sess.setKey(key)
	b.reg.Register(sess)
	_ = sess.send(wire.NewStatus())
	b.log.Info().Str("session", key).Msg("session keyed")
}

func (b *Broker) dropMalformed(sess *session, reason string) {
	metrics.MalformedFramesTotal.WithLabelValues("metadata").Inc()
	b.log.Warn().Str("session", sess.sessionKey()).Str("reason", reason).Msg("dropped malformed frame")
}

// replyErr maps an operation failure to a typed error reply. The socket
// stays open.
func (b *Broker) replyErr(sess *session, op string, err error) {
	code := codeFor(err)
	if code == wire.CodeTransient {
		b.log.Error().Err(err).Str("op", op).Str("session", sess.sessionKey()).Msg("operation failed")
	} else {
		b.log.Debug().Err(err).Str("op", op).Str("session", sess.sessionKey()).Msg("operation rejected")
	}
	sess.sendError(code, err.Error())
}

func codeFor(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return wire.CodeNotFound
	case errors.Is(err, invite.ErrExpired):
		return wire.CodeInviteExpired
	case errors.Is(err, storage.ErrPurged):
		return wire.CodeConflict
	case errors.Is(err, errDenied):
		return wire.CodePermissionDenied
	case errors.Is(err, errValidation):
		return wire.CodeValidation
	case errors.Is(err, errConflict):
		return wire.CodeConflict
	default:
		return wire.CodeTransient
	}
}

// authorize resolves the session's permission on the entity and gates the
// action. A user with no permission at all learns nothing: the entity
// reads as missing rather than forbidden.
func (b *Broker) authorize(sess *session, entity types.EntityRef, action types.Action) error {
	effective, err := b.perms.Effective(sess.sessionKey(), entity)
	if err != nil {
		return err
	}
	if effective == types.PermissionNone {
		return storage.ErrNotFound
	}
	if !effective.AtLeast(types.RequiredPermission(action)) {
		return errDenied
	}
	return nil
}

func (b *Broker) now() time.Time {
	return b.clock.Now().UTC()
}

// broadcast fans a frame out to every workspace subscriber except the
// origin. Callers send the direct reply first so the origin always sees
// its reply before anyone sees the broadcast.
func (b *Broker) broadcast(workspaceID string, origin *session, frame interface{}) {
	for _, sub := range b.reg.Subscribers(workspaceID) {
		if sub == origin {
			continue
		}
		if err := sub.send(frame); err != nil {
			b.log.Debug().Err(err).Str("session", sub.sessionKey()).Msg("broadcast write failed")
			continue
		}
		metrics.BroadcastsTotal.WithLabelValues("metadata").Inc()
	}
}

// broadcastToUser delivers a frame to the affected user's sessions that
// joined the workspace. Other subscribers are not told about grants that
// are not theirs.
func (b *Broker) broadcastToUser(workspaceID, userID string, origin *session, frame interface{}) {
	for _, sub := range b.reg.Subscribers(workspaceID) {
		if sub == origin || sub.sessionKey() != userID {
			continue
		}
		if err := sub.send(frame); err != nil {
			b.log.Debug().Err(err).Str("session", sub.sessionKey()).Msg("broadcast write failed")
			continue
		}
		metrics.BroadcastsTotal.WithLabelValues("metadata").Inc()
	}
}

// notifyUser delivers a frame to every live session of a user regardless
// of workspace subscription. Used for link invalidation, where redeemers
// may not have joined yet.
func (b *Broker) notifyUser(userID string, origin *session, frame interface{}) {
	for _, sub := range b.reg.SessionsForUser(userID) {
		if sub == origin {
			continue
		}
		if err := sub.send(frame); err != nil {
			b.log.Debug().Err(err).Str("session", sub.sessionKey()).Msg("notify write failed")
			continue
		}
		metrics.BroadcastsTotal.WithLabelValues("metadata").Inc()
	}
}

// notifyDocsClosed forwards documents closed by deletes to the supervisor
// hook, which detaches the relay's internal observers.
func (b *Broker) notifyDocsClosed(docIDs []string) {
	if b.onDocsClosed != nil && len(docIDs) > 0 {
		b.onDocsClosed(docIDs)
	}
}

// workspaceOf resolves the workspace id an entity belongs to, for routing
// entity-scoped events onto workspace subscription sets.
func (b *Broker) workspaceOf(entity types.EntityRef) (string, error) {
	switch entity.Type {
	case types.EntityWorkspace:
		return entity.ID, nil
	case types.EntityFolder:
		folder, err := b.store.GetFolder(entity.ID)
		if err != nil {
			return "", err
		}
		return folder.WorkspaceID, nil
	case types.EntityDocument:
		doc, err := b.store.GetDocument(entity.ID)
		if err != nil {
			return "", err
		}
		return doc.WorkspaceID, nil
	}
	return "", errValidation
}
