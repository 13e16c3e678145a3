package relay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nahma/sidecar/pkg/crypto"
	"github.com/nahma/sidecar/pkg/log"
	"github.com/nahma/sidecar/pkg/metrics"
	"github.com/nahma/sidecar/pkg/permission"
	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
	"github.com/nahma/sidecar/pkg/wire"
)

// MetaTopicPrefix marks document ids that mirror workspace metadata as a
// CRDT document. Meta topics are relayed but never persisted server side.
const MetaTopicPrefix = "workspace-meta:"

// DefaultHandshakeTimeout bounds how long a subscriber may sit admitted
// without sending its sync request.
const DefaultHandshakeTimeout = 10 * time.Second

// KeyProvider resolves the at-rest encryption key for a document. The
// supervisor backs this with the password-derived key chain.
type KeyProvider interface {
	DocumentKey(docID string) ([]byte, error)
}

// Config tunes the document endpoint.
type Config struct {
	// HandshakeTimeout closes sessions that never start syncing. Zero
	// falls back to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// DisablePersistence turns the relay into a pure fan-out plane: no
	// update is encrypted or appended, and every diff is empty.
	DisablePersistence bool
}

// Relay is the document endpoint: per-document subscriber sets, the sync
// handshake against the update log, verbatim fan-out of live updates, and
// ephemeral awareness.
type Relay struct {
	store storage.Store
	perms *permission.Engine
	keys  KeyProvider
	clock clockwork.Clock
	cfg   Config
	guard *ObserverGuard
	log   zerolog.Logger

	mu   sync.RWMutex
	docs map[string]*docSet

	connMu sync.Mutex
	conns  map[*subscriber]struct{}

	upgrader websocket.Upgrader
}

// New builds a Relay. keys may be nil only when persistence is disabled.
func New(store storage.Store, perms *permission.Engine, keys KeyProvider, clock clockwork.Clock, cfg Config) *Relay {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Relay{
		store: store,
		perms: perms,
		keys:  keys,
		clock: clock,
		cfg:   cfg,
		guard: NewObserverGuard(),
		log:   log.WithComponent("relay"),
		docs:  make(map[string]*docSet),
		conns: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// EnsureObserver attaches the internal observer for a document seen
// through the metadata plane. Attaching twice is a no-op.
func (r *Relay) EnsureObserver(docID string) bool {
	return r.guard.Register(docID)
}

// DetachObserver releases a metadata-attached observer.
func (r *Relay) DetachObserver(docID string) {
	r.guard.Unregister(docID)
}

// HandleWS upgrades the request and services one document subscription.
// The URL carries ?docId=<id>&key=<64-hex session key>.
func (r *Relay) HandleWS(w http.ResponseWriter, req *http.Request) {
	docID := req.URL.Query().Get("docId")
	key := strings.ToLower(req.URL.Query().Get("key"))
	if docID == "" {
		http.Error(w, "docId query parameter required", http.StatusBadRequest)
		return
	}
	if raw, err := hex.DecodeString(key); err != nil || len(raw) != crypto.KeySize {
		http.Error(w, "key query parameter must be 32 bytes hex", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := &subscriber{conn: conn, docID: docID, key: key}

	if err := r.admit(sub); err != nil {
		code := wire.CodeTransient
		if errors.Is(err, storage.ErrNotFound) {
			code = wire.CodeNotFound
		}
		sub.typedClose(code, err.Error())
		return
	}

	r.connMu.Lock()
	r.conns[sub] = struct{}{}
	r.connMu.Unlock()
	metrics.ConnectionsActive.WithLabelValues("document").Inc()
	r.subscribe(sub)

	timer := r.clock.AfterFunc(r.cfg.HandshakeTimeout, func() {
		if !sub.isHandshook() {
			r.log.Warn().Str("doc", docID).Msg("sync handshake timed out")
			sub.typedClose(wire.CodeTransient, "sync handshake timeout")
		}
	})
	defer timer.Stop()

	r.readLoop(sub)
}

// admit verifies the target document is visible to the session key. Meta
// topics authorize against their workspace; regular documents must be
// active rows. A key with no permission at all sees NOT_FOUND.
func (r *Relay) admit(sub *subscriber) error {
	entity, err := r.entityFor(sub.docID)
	if err != nil {
		return err
	}
	effective, err := r.perms.Effective(sub.key, entity)
	if err != nil {
		return err
	}
	if effective == types.PermissionNone {
		return fmt.Errorf("document %s: %w", sub.docID, storage.ErrNotFound)
	}
	return nil
}

// entityFor maps a document id to the entity its permissions hang off.
func (r *Relay) entityFor(docID string) (types.EntityRef, error) {
	if workspaceID, ok := strings.CutPrefix(docID, MetaTopicPrefix); ok {
		return types.EntityRef{Type: types.EntityWorkspace, ID: workspaceID}, nil
	}
	doc, err := r.store.GetDocument(docID)
	if err != nil {
		return types.EntityRef{}, err
	}
	if doc.State != types.DocActive {
		return types.EntityRef{}, fmt.Errorf("document %s: %w", docID, storage.ErrNotFound)
	}
	return types.EntityRef{Type: types.EntityDocument, ID: docID}, nil
}

// subscribe adds the connection to the document's set and attaches the
// internal observer on the first subscriber. Meta topics are never
// observed; their traffic rides the safety-net path.
func (r *Relay) subscribe(sub *subscriber) {
	r.mu.Lock()
	set, ok := r.docs[sub.docID]
	if !ok {
		set = &docSet{members: make(map[*subscriber]struct{})}
		r.docs[sub.docID] = set
	}
	set.add(sub)
	r.mu.Unlock()

	if !strings.HasPrefix(sub.docID, MetaTopicPrefix) {
		r.guard.Register(sub.docID)
	}
	metrics.SubscriptionsActive.WithLabelValues("document").Inc()
}

// unsubscribe removes the connection; the last one out releases the set
// and the observer. Safe to call more than once per subscriber.
func (r *Relay) unsubscribe(sub *subscriber) {
	r.mu.Lock()
	set, ok := r.docs[sub.docID]
	if !ok {
		r.mu.Unlock()
		return
	}
	remaining, removed := set.remove(sub)
	last := removed && remaining == 0
	if last {
		delete(r.docs, sub.docID)
	}
	r.mu.Unlock()

	if !removed {
		return
	}
	if last && !strings.HasPrefix(sub.docID, MetaTopicPrefix) {
		r.guard.Unregister(sub.docID)
	}
	metrics.SubscriptionsActive.WithLabelValues("document").Dec()
}

// CloseAll sends a going-away close to every live subscriber. Reader
// loops observe the close and run their normal teardown.
func (r *Relay) CloseAll() {
	r.connMu.Lock()
	subs := make([]*subscriber, 0, len(r.conns))
	for sub := range r.conns {
		subs = append(subs, sub)
	}
	r.connMu.Unlock()

	for _, sub := range subs {
		sub.closeGoingAway()
	}
}

// ConnCount reports the number of live connections.
func (r *Relay) ConnCount() int {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return len(r.conns)
}

func (r *Relay) readLoop(sub *subscriber) {
	defer func() {
		r.connMu.Lock()
		delete(r.conns, sub)
		r.connMu.Unlock()
		r.unsubscribe(sub)
		_ = sub.conn.Close()
		metrics.ConnectionsActive.WithLabelValues("document").Dec()
	}()

	for {
		msgType, raw, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		metrics.FramesReceivedTotal.WithLabelValues("document").Inc()
		if msgType != websocket.BinaryMessage {
			r.dropMalformed(sub, "non-binary frame on document endpoint")
			continue
		}
		r.handleFrame(sub, raw)
	}
}

func (r *Relay) handleFrame(sub *subscriber, raw []byte) {
	kind, body, err := wire.SplitBinary(raw)
	if err != nil {
		r.dropMalformed(sub, err.Error())
		return
	}

	switch kind {
	case wire.BinSyncRequest:
		r.handleSyncRequest(sub, body)
	case wire.BinUpdate:
		r.handleUpdate(sub, body, raw)
	case wire.BinAwareness:
		r.handleAwareness(sub, raw)
	default:
		r.dropMalformed(sub, fmt.Sprintf("unexpected message kind %d", kind))
	}
}

// handleSyncRequest serves the diff: every log record past the client's
// watermark, decrypted and packed into one response frame, then the ack.
// Re-requests are how clients recover from suspected missed state.
func (r *Relay) handleSyncRequest(sub *subscriber, body []byte) {
	since, _, err := wire.DecodeSyncRequest(body)
	if err != nil {
		sub.sendError(wire.CodeValidation, err.Error())
		return
	}

	var payloads [][]byte
	var latest uint64
	if !r.cfg.DisablePersistence && !strings.HasPrefix(sub.docID, MetaTopicPrefix) {
		records, err := r.store.UpdatesSince(sub.docID, since)
		if err != nil {
			sub.sendError(wire.CodeTransient, "failed to load update log")
			return
		}
		if len(records) > 0 {
			docKey, err := r.keys.DocumentKey(sub.docID)
			if err != nil {
				r.log.Error().Err(err).Str("doc", sub.docID).Msg("document key unavailable")
				sub.sendError(wire.CodeTransient, "document key unavailable")
				return
			}
			for _, rec := range records {
				plaintext, err := crypto.DecryptUpdate(rec.Ciphertext, docKey)
				if err != nil {
					r.log.Error().Err(err).Str("doc", sub.docID).Uint64("seq", rec.Seq).Msg("update record undecryptable")
					sub.sendError(wire.CodeTransient, "update log unreadable")
					return
				}
				payloads = append(payloads, plaintext)
			}
		}
		latest, err = r.store.LatestSeq(sub.docID)
		if err != nil {
			sub.sendError(wire.CodeTransient, "failed to read log position")
			return
		}
	}

	// Mark before writing so the timeout cannot fire between the client
	// seeing the ack and this goroutine recording the handshake.
	sub.markHandshook()

	if err := sub.sendBinary(wire.EncodeSyncResponse(latest, payloads)); err != nil {
		return
	}
	_ = sub.sendBinary(wire.EncodeSyncAck())

	metrics.SyncHandshakesTotal.Inc()
	r.log.Debug().Str("doc", sub.docID).Uint64("since", since).Int("records", len(payloads)).Msg("sync served")
}

// handleUpdate persists then fans out one live update. The origin never
// receives its own echo. A payload below the minimum length is rejected;
// a write from a key without edit permission is rejected and nothing is
// appended.
func (r *Relay) handleUpdate(sub *subscriber, body []byte, raw []byte) {
	update, err := wire.DecodeUpdate(body)
	if err != nil {
		sub.sendError(wire.CodeValidation, err.Error())
		return
	}

	entity, err := r.entityFor(sub.docID)
	if err != nil {
		sub.sendError(wire.CodeNotFound, err.Error())
		return
	}
	effective, err := r.perms.Effective(sub.key, entity)
	if err != nil {
		sub.sendError(wire.CodeTransient, "permission resolution failed")
		return
	}
	if !effective.AtLeast(types.PermissionEditor) {
		sub.sendError(wire.CodePermissionDenied, "edit requires editor permission")
		return
	}

	if r.persistable(sub.docID) {
		docKey, err := r.keys.DocumentKey(sub.docID)
		if err != nil {
			r.log.Error().Err(err).Str("doc", sub.docID).Msg("document key unavailable")
			sub.sendError(wire.CodeTransient, "document key unavailable")
			return
		}
		ciphertext, err := crypto.EncryptUpdate(update, docKey)
		if err != nil {
			sub.sendError(wire.CodeTransient, "encryption failed")
			return
		}
		if _, err := r.store.AppendUpdate(sub.docID, ciphertext, r.clock.Now().UTC()); err != nil {
			r.log.Error().Err(err).Str("doc", sub.docID).Msg("failed to append update")
			sub.sendError(wire.CodeTransient, "failed to persist update")
			return
		}
		metrics.UpdatesPersistedTotal.Inc()
	}

	r.fanOut(sub, raw)
}

// persistable reports whether updates for this id reach the log: the
// relay must be persisting, and the id must carry an observer. Meta
// topics never do; their updates ride the safety-net broadcast only.
func (r *Relay) persistable(docID string) bool {
	if r.cfg.DisablePersistence {
		return false
	}
	return r.guard.Registered(docID)
}

// handleAwareness relays presence without persisting anything.
func (r *Relay) handleAwareness(sub *subscriber, raw []byte) {
	r.fanOut(sub, raw)
}

// fanOut writes the frame verbatim to every other subscriber. A failed
// write drops that subscriber only.
func (r *Relay) fanOut(origin *subscriber, raw []byte) {
	r.mu.RLock()
	set, ok := r.docs[origin.docID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	for _, peer := range set.peers(origin) {
		if err := peer.sendBinary(raw); err != nil {
			r.log.Debug().Err(err).Str("doc", origin.docID).Msg("dropping subscriber after failed write")
			r.unsubscribe(peer)
			_ = peer.conn.Close()
			continue
		}
		metrics.BroadcastsTotal.WithLabelValues("document").Inc()
	}
}

func (r *Relay) dropMalformed(sub *subscriber, reason string) {
	metrics.MalformedFramesTotal.WithLabelValues("document").Inc()
	r.log.Warn().Str("doc", sub.docID).Str("reason", reason).Msg("dropped malformed frame")
}
