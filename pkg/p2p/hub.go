package p2p

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nahma/sidecar/pkg/log"
	"github.com/nahma/sidecar/pkg/metrics"
	"github.com/nahma/sidecar/pkg/swarm"
	"github.com/nahma/sidecar/pkg/wire"
)

// minTopicBytes is the smallest decoded topic the hub accepts. Topics are
// hex digests; anything shorter cannot name a rendezvous channel.
const minTopicBytes = 2

// Hub is the relay plane: topic-scoped pub/sub between WebSocket clients,
// bridged to a swarm adapter when one is configured.
type Hub struct {
	swarm swarm.Adapter
	log   zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*topicSet

	connMu sync.Mutex
	conns  map[*peer]struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	upgrader websocket.Upgrader
}

// New builds a Hub. adapter may be nil, which disables the swarm bridge.
func New(adapter swarm.Adapter) *Hub {
	return &Hub{
		swarm:  adapter,
		log:    log.WithComponent("p2p"),
		topics: make(map[string]*topicSet),
		conns:  make(map[*peer]struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start launches the swarm event pump. A hub without an adapter has
// nothing to pump and Start is a no-op.
func (h *Hub) Start() {
	if h.swarm == nil {
		return
	}
	go h.run()
}

// Stop terminates the swarm event pump and waits for it to exit.
func (h *Hub) Stop() {
	close(h.stopCh)
	if h.swarm != nil {
		<-h.doneCh
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	events := h.swarm.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.handleSwarmEvent(ev)
		case <-h.stopCh:
			return
		}
	}
}

// HandleWS upgrades the request and services one relay connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := newPeer(conn)
	h.connMu.Lock()
	h.conns[p] = struct{}{}
	h.connMu.Unlock()
	metrics.ConnectionsActive.WithLabelValues("relay").Inc()
	h.log.Debug().Str("client", p.id).Msg("relay connection opened")

	h.readLoop(p)
}

// CloseAll sends a going-away close to every live connection. Each reader
// loop observes the close and runs its normal teardown.
func (h *Hub) CloseAll() {
	h.connMu.Lock()
	peers := make([]*peer, 0, len(h.conns))
	for p := range h.conns {
		peers = append(peers, p)
	}
	h.connMu.Unlock()

	for _, p := range peers {
		p.closeGoingAway()
	}
}

// ConnCount reports the number of live connections.
func (h *Hub) ConnCount() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return len(h.conns)
}

func (h *Hub) readLoop(p *peer) {
	defer h.teardown(p)
	for {
		msgType, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		metrics.FramesReceivedTotal.WithLabelValues("relay").Inc()
		if msgType != websocket.TextMessage {
			h.dropMalformed(p, "non-text frame on relay endpoint")
			continue
		}
		h.dispatch(p, raw)
	}
}

// teardown removes the peer from every topic it joined and releases the
// connection. Registered at acceptance, runs exactly once.
func (h *Hub) teardown(p *peer) {
	h.connMu.Lock()
	delete(h.conns, p)
	h.connMu.Unlock()
	for _, topic := range p.topicSnapshot() {
		h.leaveTopic(p, topic)
	}
	_ = p.conn.Close()
	metrics.ConnectionsActive.WithLabelValues("relay").Dec()
	h.log.Debug().Str("client", p.id).Msg("relay connection closed")
}

func (h *Hub) dispatch(p *peer, raw []byte) {
	msgType, err := wire.Peek(raw)
	if err != nil {
		h.dropMalformed(p, err.Error())
		return
	}

	switch msgType {
	case wire.MsgIdentity:
		h.handleIdentity(p, raw)
	case wire.MsgJoinTopic:
		h.handleJoinTopic(p, raw)
	case wire.MsgLeaveTopic:
		h.handleLeaveTopic(p, raw)
	case wire.MsgSync:
		h.handleSync(p, raw)
	case wire.MsgAwareness:
		h.handleAwareness(p, raw)
	default:
		h.dropMalformed(p, "unknown frame type "+msgType)
	}
}

func (h *Hub) handleIdentity(p *peer, raw []byte) {
	var frame wire.Identity
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.dropMalformed(p, err.Error())
		return
	}
	p.setIdentity(frame.PeerIdentity)
	_ = p.send(wire.IdentityAck{Type: wire.MsgIdentityAck, ClientID: p.id})
	h.log.Debug().Str("client", p.id).Str("name", frame.DisplayName).Msg("identity announced")
}

// handleJoinTopic subscribes the peer, mirrors the join into the swarm,
// and answers with a peers-list merging local subscribers and swarm
// peers. Existing local subscribers learn about the joiner.
func (h *Hub) handleJoinTopic(p *peer, raw []byte) {
	var frame wire.JoinTopic
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.dropMalformed(p, err.Error())
		return
	}
	if !validTopic(frame.Topic) {
		h.dropMalformed(p, "topic too short or not hex")
		return
	}

	h.mu.Lock()
	set, ok := h.topics[frame.Topic]
	if !ok {
		set = &topicSet{members: make(map[*peer]struct{})}
		h.topics[frame.Topic] = set
	}
	added := set.add(p)
	h.mu.Unlock()
	p.addTopic(frame.Topic)

	var swarmPeers []swarm.Peer
	if h.swarm != nil {
		peers, err := h.swarm.JoinTopic(frame.Topic)
		if err != nil {
			h.log.Warn().Err(err).Str("topic", frame.Topic).Msg("swarm join failed")
		} else {
			swarmPeers = peers
		}
	}

	infos := set.infos(p)
	for _, sp := range swarmPeers {
		infos = append(infos, wire.PeerInfo{PeerID: sp.ID, Identity: sp.Identity})
	}
	_ = p.send(wire.PeersList{Type: wire.MsgPeersList, Topic: frame.Topic, Peers: infos})

	if !added {
		return
	}
	metrics.SubscriptionsActive.WithLabelValues("topic").Inc()
	h.fanOut(set, p, wire.PeerJoined{
		Type: wire.MsgPeerJoined, Topic: frame.Topic, PeerID: p.id, Identity: p.getIdentity(),
	})
	h.log.Debug().Str("client", p.id).Str("topic", frame.Topic).Msg("joined topic")
}

func (h *Hub) handleLeaveTopic(p *peer, raw []byte) {
	var frame wire.LeaveTopic
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.dropMalformed(p, err.Error())
		return
	}
	if !validTopic(frame.Topic) {
		h.dropMalformed(p, "topic too short or not hex")
		return
	}
	h.leaveTopic(p, frame.Topic)
}

// leaveTopic detaches the peer. An emptied topic leaves the swarm instead
// of broadcasting; there is nobody local left to tell.
func (h *Hub) leaveTopic(p *peer, topic string) {
	h.mu.Lock()
	set, ok := h.topics[topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	remaining, removed := set.remove(p)
	last := removed && remaining == 0
	if last {
		delete(h.topics, topic)
	}
	h.mu.Unlock()

	if !removed {
		return
	}
	p.removeTopic(topic)
	metrics.SubscriptionsActive.WithLabelValues("topic").Dec()

	if last {
		if h.swarm != nil {
			if err := h.swarm.LeaveTopic(topic); err != nil {
				h.log.Warn().Err(err).Str("topic", topic).Msg("swarm leave failed")
			}
		}
		return
	}
	h.fanOut(set, nil, wire.PeerLeft{Type: wire.MsgPeerLeft, Topic: topic, PeerID: p.id})
}

// handleSync relays a datagram to every other local subscriber and into
// the swarm. Frames for topics the sender never joined are dropped.
func (h *Hub) handleSync(p *peer, raw []byte) {
	var frame wire.Sync
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.dropMalformed(p, err.Error())
		return
	}
	if !p.inTopic(frame.Topic) {
		h.dropMalformed(p, "sync for topic not joined")
		return
	}

	h.fanOutTopic(frame.Topic, p, wire.Sync{
		Type: wire.MsgSync, Topic: frame.Topic, PeerID: p.id, Data: frame.Data,
	})
	if h.swarm != nil {
		if err := h.swarm.BroadcastSync(frame.Topic, frame.Data); err != nil {
			h.log.Warn().Err(err).Str("topic", frame.Topic).Msg("swarm sync failed")
		}
	}
}

func (h *Hub) handleAwareness(p *peer, raw []byte) {
	var frame wire.Awareness
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.dropMalformed(p, err.Error())
		return
	}
	if !p.inTopic(frame.Topic) {
		h.dropMalformed(p, "awareness for topic not joined")
		return
	}

	h.fanOutTopic(frame.Topic, p, wire.Awareness{
		Type: wire.MsgAwareness, Topic: frame.Topic, PeerID: p.id, State: frame.State,
	})
	if h.swarm != nil {
		if err := h.swarm.BroadcastAwareness(frame.Topic, frame.State); err != nil {
			h.log.Warn().Err(err).Str("topic", frame.Topic).Msg("swarm awareness failed")
		}
	}
}

// handleSwarmEvent fans a swarm-originated event out to every local
// subscriber of its topic, tagged with the originating peer id.
func (h *Hub) handleSwarmEvent(ev swarm.Event) {
	switch ev.Kind {
	case swarm.EventSync:
		h.fanOutTopic(ev.Topic, nil, wire.Sync{
			Type: wire.MsgSync, Topic: ev.Topic, PeerID: ev.PeerID, Data: ev.Payload,
		})
	case swarm.EventAwareness:
		h.fanOutTopic(ev.Topic, nil, wire.Awareness{
			Type: wire.MsgAwareness, Topic: ev.Topic, PeerID: ev.PeerID, State: json.RawMessage(ev.Payload),
		})
	case swarm.EventPeerJoined:
		h.fanOutTopic(ev.Topic, nil, wire.PeerJoined{
			Type: wire.MsgPeerJoined, Topic: ev.Topic, PeerID: ev.PeerID, Identity: ev.Identity,
		})
	case swarm.EventPeerLeft:
		h.fanOutTopic(ev.Topic, nil, wire.PeerLeft{
			Type: wire.MsgPeerLeft, Topic: ev.Topic, PeerID: ev.PeerID,
		})
	default:
		h.log.Warn().Str("kind", string(ev.Kind)).Msg("unknown swarm event")
	}
}

func (h *Hub) fanOutTopic(topic string, origin *peer, frame interface{}) {
	h.mu.RLock()
	set, ok := h.topics[topic]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.fanOut(set, origin, frame)
}

// fanOut writes the frame to every member except origin. A failed write
// is logged and skipped; the member's own reader notices the dead
// connection and tears it down.
func (h *Hub) fanOut(set *topicSet, origin *peer, frame interface{}) {
	for _, member := range set.others(origin) {
		if err := member.send(frame); err != nil {
			h.log.Debug().Err(err).Str("client", member.id).Msg("relay write failed")
			continue
		}
		metrics.BroadcastsTotal.WithLabelValues("relay").Inc()
	}
}

func (h *Hub) dropMalformed(p *peer, reason string) {
	metrics.MalformedFramesTotal.WithLabelValues("relay").Inc()
	h.log.Warn().Str("client", p.id).Str("reason", reason).Msg("dropped malformed frame")
}

// validTopic accepts hex strings decoding to at least minTopicBytes.
func validTopic(topic string) bool {
	raw, err := hex.DecodeString(topic)
	return err == nil && len(raw) >= minTopicBytes
}
