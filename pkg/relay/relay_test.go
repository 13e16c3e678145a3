package relay

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahma/sidecar/pkg/crypto"
	"github.com/nahma/sidecar/pkg/permission"
	"github.com/nahma/sidecar/pkg/storage"
	"github.com/nahma/sidecar/pkg/types"
	"github.com/nahma/sidecar/pkg/wire"
)

var (
	keyA = strings.Repeat("aa", 32)
	keyB = strings.Repeat("bb", 32)
	keyC = strings.Repeat("cc", 32)

	testDocKey = bytes.Repeat([]byte{0x42}, crypto.KeySize)
)

// fixedKeys hands every document the same at-rest key, standing in for the
// supervisor's password-derived key chain.
type fixedKeys struct{ key []byte }

func (f fixedKeys) DocumentKey(string) ([]byte, error) { return f.key, nil }

func newTestRelay(t *testing.T, cfg Config) (*Relay, storage.Store, *permission.Engine, *clockwork.FakeClock, *httptest.Server) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClock()
	engine := permission.NewEngine(store)
	r := New(store, engine, fixedKeys{key: testDocKey}, clock, cfg)

	server := httptest.NewServer(http.HandlerFunc(r.HandleWS))
	t.Cleanup(server.Close)
	return r, store, engine, clock, server
}

// seedDocument writes a workspace owned by keyA and one active document.
func seedDocument(t *testing.T, store storage.Store) (wsID, docID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateWorkspace(&types.Workspace{
		ID: "w1", Name: "w", OwnerID: keyA, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.CreateDocument(&types.Document{
		ID: "d1", WorkspaceID: "w1", Name: "notes", State: types.DocActive,
		CreatedAt: now, UpdatedAt: now,
	}))
	return "w1", "d1"
}

type docClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialDoc(t *testing.T, server *httptest.Server, docID, key string) *docClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(docURL(server, docID, key), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &docClient{t: t, conn: conn}
}

func docURL(server *httptest.Server, docID, key string) string {
	params := url.Values{}
	if docID != "" {
		params.Set("docId", docID)
	}
	if key != "" {
		params.Set("key", key)
	}
	return "ws" + strings.TrimPrefix(server.URL, "http") + "?" + params.Encode()
}

func (c *docClient) sendRaw(frame []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, frame))
}

// recvBinary returns the next binary frame split into kind and body.
func (c *docClient) recvBinary() (byte, []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.BinaryMessage, msgType)
	kind, body, err := wire.SplitBinary(raw)
	require.NoError(c.t, err)
	return kind, body
}

// recvError returns the next frame, which must be a JSON error with the
// given code.
func (c *docClient) recvError(code string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.TextMessage, msgType)
	var frame wire.Error
	require.NoError(c.t, json.Unmarshal(raw, &frame))
	assert.Equal(c.t, "error", frame.Type)
	assert.Equal(c.t, wire.ErrorCode(code), frame.Code)
}

// expectClosed consumes frames until the peer closes, requiring a policy
// violation close code.
func (c *docClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		require.True(c.t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
			"expected policy violation close, got %v", err)
		return
	}
}

// expectSilence asserts no frame arrives. Gorilla read errors are sticky,
// so this must be the last read on the connection.
func (c *docClient) expectSilence() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := c.conn.ReadMessage()
	require.Error(c.t, err)
	var netErr net.Error
	require.ErrorAs(c.t, err, &netErr)
	assert.True(c.t, netErr.Timeout())
}

// handshake performs the sync round trip and returns the server's log
// position and decrypted diff records.
func (c *docClient) handshake(since uint64) (uint64, [][]byte) {
	c.t.Helper()
	c.sendRaw(wire.EncodeSyncRequest(since, nil))
	kind, body := c.recvBinary()
	require.Equal(c.t, wire.BinSyncResponse, kind)
	seq, payloads, err := wire.DecodeSyncResponse(body)
	require.NoError(c.t, err)
	kind, _ = c.recvBinary()
	require.Equal(c.t, wire.BinSyncAck, kind)
	return seq, payloads
}

func appendEncrypted(t *testing.T, store storage.Store, docID string, plaintext []byte) {
	t.Helper()
	ciphertext, err := crypto.EncryptUpdate(plaintext, testDocKey)
	require.NoError(t, err)
	_, err = store.AppendUpdate(docID, ciphertext, time.Now().UTC())
	require.NoError(t, err)
}

func TestSyncServesDiffFromLog(t *testing.T) {
	_, store, _, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)

	updates := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, u := range updates {
		appendEncrypted(t, store, docID, u)
	}

	owner := dialDoc(t, server, docID, keyA)
	seq, payloads := owner.handshake(0)
	assert.Equal(t, uint64(3), seq)
	require.Equal(t, updates, payloads)

	// A client holding a watermark only receives what it is missing.
	resuming := dialDoc(t, server, docID, keyA)
	seq, payloads = resuming.handshake(2)
	assert.Equal(t, uint64(3), seq)
	require.Equal(t, [][]byte{[]byte("gamma")}, payloads)

	// Re-requesting from zero repeats the full diff on the same socket.
	seq, payloads = resuming.handshake(0)
	assert.Equal(t, uint64(3), seq)
	require.Equal(t, updates, payloads)
}

func TestUpdateFansOutAndPersists(t *testing.T) {
	_, store, engine, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)
	_, err := engine.Grant(keyB, types.EntityRef{Type: types.EntityDocument, ID: docID}, types.PermissionEditor)
	require.NoError(t, err)

	editor := dialDoc(t, server, docID, keyB)
	editor.handshake(0)
	owner := dialDoc(t, server, docID, keyA)
	owner.handshake(0)

	payload := []byte("crdt-update-bytes")
	editor.sendRaw(wire.EncodeUpdate(payload))

	kind, body := owner.recvBinary()
	assert.Equal(t, wire.BinUpdate, kind)
	assert.Equal(t, payload, body)

	// The log holds the update encrypted; a late joiner receives it in
	// the handshake diff.
	assert.Eventually(t, func() bool {
		seq, err := store.LatestSeq(docID)
		return err == nil && seq == 1
	}, 2*time.Second, 10*time.Millisecond)

	late := dialDoc(t, server, docID, keyA)
	seq, payloads := late.handshake(0)
	assert.Equal(t, uint64(1), seq)
	require.Equal(t, [][]byte{payload}, payloads)

	records, err := store.UpdatesSince(docID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEqual(t, payload, records[0].Ciphertext)

	// The origin never hears its own update back.
	editor.expectSilence()
}

func TestShortUpdateRejected(t *testing.T) {
	_, store, _, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)

	owner := dialDoc(t, server, docID, keyA)
	owner.handshake(0)

	owner.sendRaw([]byte{wire.BinUpdate, 0x01})
	owner.recvError("VALIDATION")

	seq, err := store.LatestSeq(docID)
	require.NoError(t, err)
	assert.Zero(t, seq)

	// The connection survives and keeps serving.
	owner.handshake(0)
}

func TestViewerUpdateDeniedWithoutAppend(t *testing.T) {
	_, store, engine, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)
	_, err := engine.Grant(keyB, types.EntityRef{Type: types.EntityDocument, ID: docID}, types.PermissionViewer)
	require.NoError(t, err)

	owner := dialDoc(t, server, docID, keyA)
	owner.handshake(0)
	viewer := dialDoc(t, server, docID, keyB)
	viewer.handshake(0)

	viewer.sendRaw(wire.EncodeUpdate([]byte("not allowed")))
	viewer.recvError("PERMISSION_DENIED")

	seq, err := store.LatestSeq(docID)
	require.NoError(t, err)
	assert.Zero(t, seq)

	// Nothing reached the other subscriber.
	owner.expectSilence()
}

func TestAdmissionRejectsStrangersAndBadParams(t *testing.T) {
	_, store, _, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)

	// A key with no permission anywhere on the chain learns nothing.
	stranger := dialDoc(t, server, docID, keyC)
	stranger.recvError("NOT_FOUND")
	stranger.expectClosed()

	// Unknown documents read the same as invisible ones.
	ghost := dialDoc(t, server, "no-such-doc", keyA)
	ghost.recvError("NOT_FOUND")
	ghost.expectClosed()

	// Parameter errors fail before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(docURL(server, "", keyA), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(docURL(server, docID, "zz"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrashedDocumentNotSubscribable(t *testing.T) {
	_, store, _, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)
	_, err := store.TrashDocument(docID, time.Now().UTC())
	require.NoError(t, err)

	client := dialDoc(t, server, docID, keyA)
	client.recvError("NOT_FOUND")
	client.expectClosed()
}

func TestAwarenessRelayedNeverPersisted(t *testing.T) {
	_, store, _, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)

	a := dialDoc(t, server, docID, keyA)
	a.handshake(0)
	b := dialDoc(t, server, docID, keyA)
	b.handshake(0)

	state := []byte(`{"cursor":17}`)
	a.sendRaw(wire.EncodeAwareness(state))

	kind, body := b.recvBinary()
	assert.Equal(t, wire.BinAwareness, kind)
	assert.Equal(t, state, body)

	seq, err := store.LatestSeq(docID)
	require.NoError(t, err)
	assert.Zero(t, seq)

	a.expectSilence()
}

func TestObserverAttachesOnce(t *testing.T) {
	r, store, _, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)

	client := dialDoc(t, server, docID, keyA)
	client.handshake(0)
	assert.Eventually(t, func() bool { return r.guard.Registered(docID) },
		2*time.Second, 10*time.Millisecond)

	// The metadata plane attaching on open-document is a no-op while a
	// subscriber already holds the observer.
	assert.False(t, r.EnsureObserver(docID))

	client.conn.Close()
	assert.Eventually(t, func() bool { return !r.guard.Registered(docID) },
		2*time.Second, 10*time.Millisecond)

	// With no live subscriber the metadata plane attaches fresh.
	assert.True(t, r.EnsureObserver(docID))
	assert.False(t, r.EnsureObserver(docID))
	r.DetachObserver(docID)
	assert.False(t, r.guard.Registered(docID))
}

func TestMetaTopicRelaysWithoutObserver(t *testing.T) {
	r, store, _, _, server := newTestRelay(t, Config{})
	wsID, _ := seedDocument(t, store)
	metaID := MetaTopicPrefix + wsID

	a := dialDoc(t, server, metaID, keyA)
	seq, payloads := a.handshake(0)
	assert.Zero(t, seq)
	assert.Empty(t, payloads)
	b := dialDoc(t, server, metaID, keyA)
	b.handshake(0)

	assert.False(t, r.guard.Registered(metaID))

	payload := []byte("meta-mirror-update")
	a.sendRaw(wire.EncodeUpdate(payload))

	kind, body := b.recvBinary()
	assert.Equal(t, wire.BinUpdate, kind)
	assert.Equal(t, payload, body)

	// Meta traffic never lands in the update log.
	seq, err := store.LatestSeq(metaID)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestMetaTopicAdmissionUsesWorkspacePermission(t *testing.T) {
	_, store, _, _, server := newTestRelay(t, Config{})
	wsID, _ := seedDocument(t, store)

	stranger := dialDoc(t, server, MetaTopicPrefix+wsID, keyC)
	stranger.recvError("NOT_FOUND")
	stranger.expectClosed()
}

func TestHandshakeTimeoutClosesIdleSubscriber(t *testing.T) {
	_, store, _, clock, server := newTestRelay(t, Config{HandshakeTimeout: 5 * time.Second})
	_, docID := seedDocument(t, store)

	idle := dialDoc(t, server, docID, keyA)
	clock.BlockUntil(1)
	clock.Advance(6 * time.Second)

	idle.recvError("TRANSIENT")
	idle.expectClosed()

	// A subscriber that completed the handshake rides out the timer.
	synced := dialDoc(t, server, docID, keyA)
	clock.BlockUntil(1)
	synced.handshake(0)
	clock.Advance(6 * time.Second)
	synced.expectSilence()
}

func TestDisabledPersistenceSkipsLog(t *testing.T) {
	_, store, _, _, server := newTestRelay(t, Config{DisablePersistence: true})
	_, docID := seedDocument(t, store)
	appendEncrypted(t, store, docID, []byte("pre-existing"))

	a := dialDoc(t, server, docID, keyA)
	seq, payloads := a.handshake(0)
	assert.Zero(t, seq)
	assert.Empty(t, payloads)
	b := dialDoc(t, server, docID, keyA)
	b.handshake(0)

	a.sendRaw(wire.EncodeUpdate([]byte("ephemeral")))
	kind, body := b.recvBinary()
	assert.Equal(t, wire.BinUpdate, kind)
	assert.Equal(t, []byte("ephemeral"), body)

	// The log is untouched in either direction.
	seq, err := store.LatestSeq(docID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	records, err := store.UpdatesSince(docID, 1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMalformedFramesDroppedSilently(t *testing.T) {
	_, store, _, _, server := newTestRelay(t, Config{})
	_, docID := seedDocument(t, store)

	client := dialDoc(t, server, docID, keyA)
	require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	client.sendRaw(nil)
	client.sendRaw([]byte{wire.BinSyncResponse})
	client.sendRaw([]byte{wire.BinSyncAck})
	client.sendRaw([]byte{0x7f, 0x01, 0x02})

	// The connection is still serviceable afterwards.
	seq, payloads := client.handshake(0)
	assert.Zero(t, seq)
	assert.Empty(t, payloads)
}
