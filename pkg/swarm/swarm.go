package swarm

import (
	"github.com/nahma/sidecar/pkg/types"
)

// EventKind discriminates swarm-originated events.
type EventKind string

const (
	EventSync       EventKind = "sync"
	EventAwareness  EventKind = "awareness"
	EventPeerJoined EventKind = "peer-joined"
	EventPeerLeft   EventKind = "peer-left"
)

// Event is one occurrence on a joined topic, originated by a remote peer.
// Payload carries the sync datagram or awareness state depending on Kind;
// Identity is set for peer-joined only.
type Event struct {
	Kind     EventKind
	Topic    string
	PeerID   string
	Payload  []byte
	Identity types.PeerIdentity
}

// Peer identifies a remote participant already present on a topic.
type Peer struct {
	ID       string
	Identity types.PeerIdentity
}

// Adapter bridges the relay plane to a peer swarm. Implementations are
// free to reorder delivery between peers; callers must not assume
// otherwise. All methods are safe for concurrent use.
type Adapter interface {
	// Initialize announces the local identity to the swarm. It must be
	// called once before any other method.
	Initialize(identity types.PeerIdentity) error

	// JoinTopic subscribes to a topic and returns the peers already on
	// it. Joining a joined topic is a no-op that returns the current
	// peers again.
	JoinTopic(topic string) ([]Peer, error)

	// LeaveTopic drops the subscription. Unknown topics are ignored.
	LeaveTopic(topic string) error

	// BroadcastSync sends a sync datagram to every other peer on the
	// topic. The caller must have joined the topic.
	BroadcastSync(topic string, data []byte) error

	// BroadcastAwareness sends ephemeral presence state to every other
	// peer on the topic. The caller must have joined the topic.
	BroadcastAwareness(topic string, state []byte) error

	// Events delivers swarm-originated traffic for every joined topic.
	// The channel closes when the adapter is destroyed.
	Events() <-chan Event

	// Destroy leaves all topics and releases the adapter. Destroying
	// twice is a no-op.
	Destroy() error
}
