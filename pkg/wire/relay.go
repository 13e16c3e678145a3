package wire

import (
	"encoding/json"

	"github.com/nahma/sidecar/pkg/types"
)

// Relay endpoint frame types.
const (
	MsgIdentity    = "identity"
	MsgJoinTopic   = "join-topic"
	MsgLeaveTopic  = "leave-topic"
	MsgSync        = "sync"
	MsgAwareness   = "awareness"
	MsgIdentityAck = "identity-ack"
	MsgPeerJoined  = "peer-joined"
	MsgPeerLeft    = "peer-left"
	MsgPeersList   = "peers-list"
)

// Identity introduces the connection to the relay. The identity fields ride
// flat on the frame.
type Identity struct {
	Type string `json:"type"`
	types.PeerIdentity
}

// IdentityAck returns the server-assigned client id for the connection.
type IdentityAck struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// JoinTopic subscribes the connection to a topic.
type JoinTopic struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// LeaveTopic drops the subscription.
type LeaveTopic struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// Sync carries an opaque sync datagram for a topic. PeerID is set on egress
// to tag the originating peer; clients leave it empty.
type Sync struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	PeerID string `json:"peerId,omitempty"`
	Data   []byte `json:"data"`
}

// Awareness carries ephemeral presence state for a topic. The state is
// passed through verbatim.
type Awareness struct {
	Type   string          `json:"type"`
	Topic  string          `json:"topic"`
	PeerID string          `json:"peerId,omitempty"`
	State  json.RawMessage `json:"state"`
}

// PeerInfo pairs a relay client id with the identity it announced.
type PeerInfo struct {
	PeerID   string             `json:"peerId"`
	Identity types.PeerIdentity `json:"identity"`
}

// PeersList tells a new joiner who is already on the topic.
type PeersList struct {
	Type  string     `json:"type"`
	Topic string     `json:"topic"`
	Peers []PeerInfo `json:"peers"`
}

// PeerJoined tells existing subscribers about a new joiner.
type PeerJoined struct {
	Type     string             `json:"type"`
	Topic    string             `json:"topic"`
	PeerID   string             `json:"peerId"`
	Identity types.PeerIdentity `json:"identity"`
}

// PeerLeft tells remaining subscribers a peer dropped off the topic.
type PeerLeft struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	PeerID string `json:"peerId"`
}
