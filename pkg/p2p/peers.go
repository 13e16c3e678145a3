package p2p

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nahma/sidecar/pkg/types"
	"github.com/nahma/sidecar/pkg/wire"
)

// peer is one relay-plane connection. The server assigns the client id at
// acceptance; the announced identity arrives later on the identity frame.
type peer struct {
	conn *websocket.Conn
	id   string

	// writeMu protects writes to conn; replies and topic fan-out come
	// from different goroutines.
	writeMu sync.Mutex

	mu       sync.Mutex
	identity types.PeerIdentity
	topics   map[string]struct{}
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		conn:   conn,
		id:     uuid.NewString(),
		topics: make(map[string]struct{}),
	}
}

func (p *peer) send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// closeGoingAway closes cleanly for server shutdown.
func (p *peer) closeGoingAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	p.writeMu.Unlock()
	_ = p.conn.Close()
}

func (p *peer) setIdentity(identity types.PeerIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = identity
}

func (p *peer) getIdentity() types.PeerIdentity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

func (p *peer) addTopic(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics[topic] = struct{}{}
}

func (p *peer) removeTopic(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.topics, topic)
}

func (p *peer) inTopic(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.topics[topic]
	return ok
}

func (p *peer) topicSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.topics))
	for topic := range p.topics {
		out = append(out, topic)
	}
	return out
}

// topicSet is the subscriber set for one topic, individually locked.
type topicSet struct {
	mu      sync.RWMutex
	members map[*peer]struct{}
}

// add reports whether the peer was new to the topic.
func (s *topicSet) add(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[p]; ok {
		return false
	}
	s.members[p] = struct{}{}
	return true
}

// remove reports whether the peer was a member and how many remain.
func (s *topicSet) remove(p *peer) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[p]; !ok {
		return len(s.members), false
	}
	delete(s.members, p)
	return len(s.members), true
}

// others snapshots the membership excluding origin. A nil origin returns
// everyone, which is how swarm-originated frames fan out.
func (s *topicSet) others(origin *peer) []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*peer, 0, len(s.members))
	for member := range s.members {
		if member == origin {
			continue
		}
		out = append(out, member)
	}
	return out
}

// infos lists the identities of every member except the excluded peer,
// in peers-list shape.
func (s *topicSet) infos(exclude *peer) []wire.PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.PeerInfo, 0, len(s.members))
	for member := range s.members {
		if member == exclude {
			continue
		}
		out = append(out, wire.PeerInfo{PeerID: member.id, Identity: member.getIdentity()})
	}
	return out
}
