package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahma/sidecar/pkg/types"
)

func identityFor(name string) types.PeerIdentity {
	return types.PeerIdentity{PublicKey: name + "-pk", DisplayName: name, Color: "#abc123"}
}

func initialized(t *testing.T, bus *MemorySwarm, name string) *MemoryAdapter {
	t.Helper()
	a := bus.Adapter()
	require.NoError(t, a.Initialize(identityFor(name)))
	return a
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for swarm event")
		return Event{}
	}
}

// expectNoEvent relies on delivery being synchronous with the call that
// produced it, so an empty buffer means nothing was sent.
func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestAdapterLifecycleGuards(t *testing.T) {
	bus := NewMemorySwarm()
	a := bus.Adapter()

	_, err := a.JoinTopic("aabb")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, a.BroadcastSync("aabb", []byte("x")), ErrNotInitialized)

	require.NoError(t, a.Initialize(identityFor("a")))
	assert.ErrorIs(t, a.Initialize(identityFor("a")), ErrAlreadyInitialized)

	require.NoError(t, a.Destroy())
	require.NoError(t, a.Destroy())
	_, err = a.JoinTopic("aabb")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestJoinReturnsExistingPeersAndNotifies(t *testing.T) {
	bus := NewMemorySwarm()
	a := initialized(t, bus, "a")
	b := initialized(t, bus, "b")

	peers, err := a.JoinTopic("aabb")
	require.NoError(t, err)
	assert.Empty(t, peers)

	peers, err = b.JoinTopic("aabb")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, a.ID(), peers[0].ID)
	assert.Equal(t, identityFor("a"), peers[0].Identity)

	ev := recvEvent(t, a.Events())
	assert.Equal(t, EventPeerJoined, ev.Kind)
	assert.Equal(t, "aabb", ev.Topic)
	assert.Equal(t, b.ID(), ev.PeerID)
	assert.Equal(t, identityFor("b"), ev.Identity)

	// Rejoining is a no-op: same peers back, no duplicate notification.
	peers, err = b.JoinTopic("aabb")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	expectNoEvent(t, a.Events())

	assert.Equal(t, 2, bus.TopicPeers("aabb"))
}

func TestBroadcastReachesOtherMembersOnly(t *testing.T) {
	bus := NewMemorySwarm()
	a := initialized(t, bus, "a")
	b := initialized(t, bus, "b")
	c := initialized(t, bus, "c")
	outsider := initialized(t, bus, "d")

	for _, adapter := range []*MemoryAdapter{a, b, c} {
		_, err := adapter.JoinTopic("aabb")
		require.NoError(t, err)
	}
	_, err := outsider.JoinTopic("ccdd")
	require.NoError(t, err)

	// Drain the join notifications before broadcasting.
	recvEvent(t, a.Events())
	recvEvent(t, a.Events())
	recvEvent(t, b.Events())

	require.NoError(t, a.BroadcastSync("aabb", []byte("datagram")))

	for _, peer := range []*MemoryAdapter{b, c} {
		ev := recvEvent(t, peer.Events())
		assert.Equal(t, EventSync, ev.Kind)
		assert.Equal(t, "aabb", ev.Topic)
		assert.Equal(t, a.ID(), ev.PeerID)
		assert.Equal(t, []byte("datagram"), ev.Payload)
	}
	expectNoEvent(t, a.Events())
	expectNoEvent(t, outsider.Events())

	require.NoError(t, a.BroadcastAwareness("aabb", []byte(`{"cursor":1}`)))
	ev := recvEvent(t, b.Events())
	assert.Equal(t, EventAwareness, ev.Kind)
	assert.Equal(t, []byte(`{"cursor":1}`), ev.Payload)
	recvEvent(t, c.Events())

	assert.ErrorIs(t, outsider.BroadcastSync("aabb", []byte("x")), ErrNotJoined)
}

func TestLeaveNotifiesRemainder(t *testing.T) {
	bus := NewMemorySwarm()
	a := initialized(t, bus, "a")
	b := initialized(t, bus, "b")

	_, err := a.JoinTopic("aabb")
	require.NoError(t, err)
	_, err = b.JoinTopic("aabb")
	require.NoError(t, err)
	recvEvent(t, a.Events())

	require.NoError(t, a.LeaveTopic("aabb"))
	ev := recvEvent(t, b.Events())
	assert.Equal(t, EventPeerLeft, ev.Kind)
	assert.Equal(t, "aabb", ev.Topic)
	assert.Equal(t, a.ID(), ev.PeerID)
	assert.Equal(t, 1, bus.TopicPeers("aabb"))

	// Leaving an unknown topic is harmless.
	require.NoError(t, a.LeaveTopic("eeee"))

	require.NoError(t, b.LeaveTopic("aabb"))
	assert.Zero(t, bus.TopicPeers("aabb"))
}

func TestDestroyLeavesEverythingAndClosesEvents(t *testing.T) {
	bus := NewMemorySwarm()
	a := initialized(t, bus, "a")
	b := initialized(t, bus, "b")

	for _, topic := range []string{"aabb", "ccdd"} {
		_, err := a.JoinTopic(topic)
		require.NoError(t, err)
		_, err = b.JoinTopic(topic)
		require.NoError(t, err)
		recvEvent(t, a.Events())
	}

	require.NoError(t, a.Destroy())

	topics := []string{
		recvEvent(t, b.Events()).Topic,
		recvEvent(t, b.Events()).Topic,
	}
	assert.ElementsMatch(t, []string{"aabb", "ccdd"}, topics)
	assert.Equal(t, 1, bus.TopicPeers("aabb"))
	assert.Equal(t, 1, bus.TopicPeers("ccdd"))

	_, ok := <-a.Events()
	assert.False(t, ok, "events channel should be closed after destroy")
}
