package swarm

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nahma/sidecar/pkg/types"
)

// Adapter lifecycle errors.
var (
	ErrNotInitialized     = errors.New("adapter not initialized")
	ErrAlreadyInitialized = errors.New("adapter already initialized")
	ErrDestroyed          = errors.New("adapter destroyed")
	ErrNotJoined          = errors.New("not joined to topic")
)

// eventBuffer bounds each adapter's inbound queue. Delivery is best
// effort; a full buffer drops the event rather than stalling the sender.
const eventBuffer = 64

// MemorySwarm is an in-process swarm. Every adapter minted from the same
// instance sees the others as remote peers, which is enough for local
// multi-window setups and for tests.
type MemorySwarm struct {
	mu     sync.RWMutex
	topics map[string]map[*MemoryAdapter]struct{}
}

// NewMemorySwarm creates an empty in-process swarm.
func NewMemorySwarm() *MemorySwarm {
	return &MemorySwarm{topics: make(map[string]map[*MemoryAdapter]struct{})}
}

// Adapter mints a new participant with a fresh peer id.
func (m *MemorySwarm) Adapter() *MemoryAdapter {
	return &MemoryAdapter{
		bus:    m,
		id:     uuid.NewString(),
		events: make(chan Event, eventBuffer),
	}
}

// TopicPeers reports how many adapters are on a topic.
func (m *MemorySwarm) TopicPeers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// join adds the adapter to the topic and notifies the existing members.
// The returned slice holds the members present before the join.
func (m *MemorySwarm) join(a *MemoryAdapter, topic string) []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.topics[topic]
	if !ok {
		set = make(map[*MemoryAdapter]struct{})
		m.topics[topic] = set
	}
	_, already := set[a]
	set[a] = struct{}{}

	peers := make([]Peer, 0, len(set)-1)
	for member := range set {
		if member == a {
			continue
		}
		peers = append(peers, Peer{ID: member.id, Identity: member.identity})
		if !already {
			member.deliver(Event{Kind: EventPeerJoined, Topic: topic, PeerID: a.id, Identity: a.identity})
		}
	}
	return peers
}

// leave removes the adapter from the topic and notifies the remainder.
func (m *MemorySwarm) leave(a *MemoryAdapter, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(a, topic)
}

func (m *MemorySwarm) leaveLocked(a *MemoryAdapter, topic string) {
	set, ok := m.topics[topic]
	if !ok {
		return
	}
	if _, member := set[a]; !member {
		return
	}
	delete(set, a)
	if len(set) == 0 {
		delete(m.topics, topic)
		return
	}
	for member := range set {
		member.deliver(Event{Kind: EventPeerLeft, Topic: topic, PeerID: a.id})
	}
}

// broadcast delivers the event to every other member of its topic.
func (m *MemorySwarm) broadcast(a *MemoryAdapter, e Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.topics[e.Topic]
	if !ok {
		return ErrNotJoined
	}
	if _, member := set[a]; !member {
		return ErrNotJoined
	}
	for member := range set {
		if member == a {
			continue
		}
		member.deliver(e)
	}
	return nil
}

// drop removes the adapter from every topic and closes its event channel.
// Closing under the bus lock guarantees no delivery races the close.
func (m *MemorySwarm) drop(a *MemoryAdapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for topic := range m.topics {
		m.leaveLocked(a, topic)
	}
	close(a.events)
}

// MemoryAdapter is one participant in a MemorySwarm.
type MemoryAdapter struct {
	bus    *MemorySwarm
	id     string
	events chan Event

	mu          sync.Mutex
	identity    types.PeerIdentity
	initialized bool
	destroyed   bool
}

// ID returns the adapter's swarm-wide peer id.
func (a *MemoryAdapter) ID() string { return a.id }

func (a *MemoryAdapter) Initialize(identity types.PeerIdentity) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ErrDestroyed
	}
	if a.initialized {
		return ErrAlreadyInitialized
	}
	a.identity = identity
	a.initialized = true
	return nil
}

func (a *MemoryAdapter) JoinTopic(topic string) ([]Peer, error) {
	if err := a.live(); err != nil {
		return nil, err
	}
	return a.bus.join(a, topic), nil
}

func (a *MemoryAdapter) LeaveTopic(topic string) error {
	if err := a.live(); err != nil {
		return err
	}
	a.bus.leave(a, topic)
	return nil
}

func (a *MemoryAdapter) BroadcastSync(topic string, data []byte) error {
	if err := a.live(); err != nil {
		return err
	}
	return a.bus.broadcast(a, Event{Kind: EventSync, Topic: topic, PeerID: a.id, Payload: data})
}

func (a *MemoryAdapter) BroadcastAwareness(topic string, state []byte) error {
	if err := a.live(); err != nil {
		return err
	}
	return a.bus.broadcast(a, Event{Kind: EventAwareness, Topic: topic, PeerID: a.id, Payload: state})
}

func (a *MemoryAdapter) Events() <-chan Event {
	return a.events
}

func (a *MemoryAdapter) Destroy() error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	a.destroyed = true
	a.mu.Unlock()

	a.bus.drop(a)
	return nil
}

func (a *MemoryAdapter) live() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ErrDestroyed
	}
	if !a.initialized {
		return ErrNotInitialized
	}
	return nil
}

// deliver queues the event without blocking. Callers hold the bus lock.
func (a *MemoryAdapter) deliver(e Event) {
	select {
	case a.events <- e:
	default:
		// Buffer full, skip. Swarm delivery is best effort.
	}
}
