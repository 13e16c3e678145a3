package p2p

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahma/sidecar/pkg/swarm"
	"github.com/nahma/sidecar/pkg/types"
	"github.com/nahma/sidecar/pkg/wire"
)

const (
	topicT1 = "ab12cd34"
	topicT2 = "ef56ab78"
)

func newTestHub(t *testing.T, adapter swarm.Adapter) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(adapter)
	h.Start()
	t.Cleanup(h.Stop)

	server := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(server.Close)
	return h, server
}

type relayClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRelay(t *testing.T, server *httptest.Server) *relayClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &relayClient{t: t, conn: conn}
}

func (c *relayClient) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *relayClient) recv() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]interface{}
	require.NoError(c.t, c.conn.ReadJSON(&m))
	return m
}

func (c *relayClient) recvType(want string) map[string]interface{} {
	c.t.Helper()
	m := c.recv()
	require.Equal(c.t, want, m["type"], "unexpected frame: %v", m)
	return m
}

func (c *relayClient) recvSync() wire.Sync {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wire.Sync
	require.NoError(c.t, c.conn.ReadJSON(&frame))
	require.Equal(c.t, wire.MsgSync, frame.Type)
	return frame
}

// expectSilence asserts no frame arrives. Gorilla read errors are sticky,
// so this must be the last read on the connection.
func (c *relayClient) expectSilence() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var m map[string]interface{}
	err := c.conn.ReadJSON(&m)
	require.Error(c.t, err, "expected silence, got %v", m)
	var netErr net.Error
	require.ErrorAs(c.t, err, &netErr)
	assert.True(c.t, netErr.Timeout())
}

func (c *relayClient) announce(name string) string {
	c.t.Helper()
	c.send(wire.Identity{Type: wire.MsgIdentity, PeerIdentity: types.PeerIdentity{
		PublicKey: name + "-pk", DisplayName: name,
	}})
	ack := c.recvType("identity-ack")
	id, _ := ack["clientId"].(string)
	require.NotEmpty(c.t, id)
	return id
}

func (c *relayClient) join(topic string) map[string]interface{} {
	c.t.Helper()
	c.send(map[string]interface{}{"type": "join-topic", "topic": topic})
	return c.recvType("peers-list")
}

func recvSwarmEvent(t *testing.T, ch <-chan swarm.Event) swarm.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for swarm event")
		return swarm.Event{}
	}
}

func TestIdentityAckAssignsDistinctClientIDs(t *testing.T) {
	_, server := newTestHub(t, nil)

	a := dialRelay(t, server)
	b := dialRelay(t, server)
	idA := a.announce("alice")
	idB := b.announce("bob")
	assert.NotEqual(t, idA, idB)

	// Re-announcing keeps the server-assigned id stable.
	assert.Equal(t, idA, a.announce("alice-renamed"))
}

func TestTopicJoinSyncAndSwarmBridge(t *testing.T) {
	bus := swarm.NewMemorySwarm()
	node := bus.Adapter()
	require.NoError(t, node.Initialize(types.PeerIdentity{PublicKey: "node-pk", DisplayName: "sidecar"}))
	_, server := newTestHub(t, node)

	b := dialRelay(t, server)
	bID := b.announce("bob")
	bList := b.join(topicT1)
	assert.Empty(t, bList["peers"])

	a := dialRelay(t, server)
	aID := a.announce("alice")
	aList := a.join(topicT1)
	peers, ok := aList["peers"].([]interface{})
	require.True(t, ok)
	require.Len(t, peers, 1)
	first := peers[0].(map[string]interface{})
	assert.Equal(t, bID, first["peerId"])
	assert.Equal(t, "bob", first["identity"].(map[string]interface{})["displayName"])

	joined := b.recvType("peer-joined")
	assert.Equal(t, aID, joined["peerId"])
	assert.Equal(t, "alice", joined["identity"].(map[string]interface{})["displayName"])

	// A desktop peer appears on the swarm side of the same topic. The
	// node adapter joined when the first local subscriber did.
	desktop := bus.Adapter()
	require.NoError(t, desktop.Initialize(types.PeerIdentity{PublicKey: "desk-pk", DisplayName: "desk"}))
	desktopPeers, err := desktop.JoinTopic(topicT1)
	require.NoError(t, err)
	require.Len(t, desktopPeers, 1)
	assert.Equal(t, node.ID(), desktopPeers[0].ID)

	// Both local subscribers hear about the swarm joiner.
	assert.Equal(t, desktop.ID(), a.recvType("peer-joined")["peerId"])
	assert.Equal(t, desktop.ID(), b.recvType("peer-joined")["peerId"])

	// Local sync reaches the other subscriber tagged with the sender and
	// crosses the bridge to the desktop peer.
	a.send(wire.Sync{Type: wire.MsgSync, Topic: topicT1, Data: []byte("X")})
	got := b.recvSync()
	assert.Equal(t, topicT1, got.Topic)
	assert.Equal(t, aID, got.PeerID)
	assert.Equal(t, []byte("X"), got.Data)

	ev := recvSwarmEvent(t, desktop.Events())
	assert.Equal(t, swarm.EventSync, ev.Kind)
	assert.Equal(t, topicT1, ev.Topic)
	assert.Equal(t, node.ID(), ev.PeerID)
	assert.Equal(t, []byte("X"), ev.Payload)

	// Swarm-originated traffic is fanned to local subscribers with the
	// remote peer id.
	require.NoError(t, desktop.BroadcastSync(topicT1, []byte("Y")))
	for _, client := range []*relayClient{a, b} {
		got = client.recvSync()
		assert.Equal(t, desktop.ID(), got.PeerID)
		assert.Equal(t, []byte("Y"), got.Data)
	}

	// The origin never hears its own datagram back.
	a.expectSilence()
}

func TestAwarenessScopedToTopic(t *testing.T) {
	_, server := newTestHub(t, nil)

	a := dialRelay(t, server)
	a.announce("alice")
	a.join(topicT1)
	b := dialRelay(t, server)
	bID := b.announce("bob")
	b.join(topicT1)
	a.recvType("peer-joined")
	c := dialRelay(t, server)
	c.announce("carol")
	c.join(topicT2)

	b.send(wire.Awareness{Type: wire.MsgAwareness, Topic: topicT1, State: []byte(`{"cursor":3}`)})

	aw := a.recvType("awareness")
	assert.Equal(t, bID, aw["peerId"])
	assert.Equal(t, float64(3), aw["state"].(map[string]interface{})["cursor"])

	c.expectSilence()
}

func TestLeaveAndDisconnectBroadcastPeerLeft(t *testing.T) {
	bus := swarm.NewMemorySwarm()
	node := bus.Adapter()
	require.NoError(t, node.Initialize(types.PeerIdentity{PublicKey: "node-pk"}))
	_, server := newTestHub(t, node)

	a := dialRelay(t, server)
	aID := a.announce("alice")
	a.join(topicT1)
	b := dialRelay(t, server)
	bID := b.announce("bob")
	b.join(topicT1)
	a.recvType("peer-joined")
	c := dialRelay(t, server)
	c.announce("carol")
	c.join(topicT1)
	a.recvType("peer-joined")
	b.recvType("peer-joined")

	assert.Equal(t, 1, bus.TopicPeers(topicT1))

	// Explicit leave tells the remainder; the node stays on the swarm
	// topic while local subscribers remain.
	a.send(map[string]interface{}{"type": "leave-topic", "topic": topicT1})
	assert.Equal(t, aID, b.recvType("peer-left")["peerId"])
	assert.Equal(t, aID, c.recvType("peer-left")["peerId"])
	assert.Equal(t, 1, bus.TopicPeers(topicT1))

	// Disconnect behaves like leave.
	b.conn.Close()
	assert.Equal(t, bID, c.recvType("peer-left")["peerId"])

	// The last local subscriber leaving empties the swarm topic too.
	c.send(map[string]interface{}{"type": "leave-topic", "topic": topicT1})
	assert.Eventually(t, func() bool { return bus.TopicPeers(topicT1) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestMalformedTopicsAndFramesDropped(t *testing.T) {
	_, server := newTestHub(t, nil)

	a := dialRelay(t, server)
	a.announce("alice")
	b := dialRelay(t, server)
	b.announce("bob")
	b.join(topicT1)

	// Too short once decoded, not hex at all, empty, and frame garbage.
	a.send(map[string]interface{}{"type": "join-topic", "topic": "ab"})
	a.send(map[string]interface{}{"type": "join-topic", "topic": "xyzw"})
	a.send(map[string]interface{}{"type": "join-topic", "topic": ""})
	a.send(map[string]interface{}{"type": "no-such-frame"})
	require.NoError(t, a.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	// Sync for a topic the sender never joined goes nowhere.
	a.send(wire.Sync{Type: wire.MsgSync, Topic: topicT1, Data: []byte("sneaky")})

	// The connection is still serviceable afterwards.
	list := a.join(topicT1)
	peers := list["peers"].([]interface{})
	require.Len(t, peers, 1)

	// The subscriber saw the legitimate join and nothing else.
	b.recvType("peer-joined")
	b.expectSilence()
}
