// Package p2p implements the relay plane: topic-scoped pub/sub over
// WebSocket for clients without direct connectivity, bridged to a swarm
// adapter so desktop peers participate in the same topics.
//
// # Architecture
//
// Topics are hex digests binding passphrase and document without
// revealing either. Each connection announces an identity, joins topics,
// and exchanges opaque sync and awareness datagrams; the hub fans frames
// out locally and mirrors them into the swarm, where the whole node
// appears as a single peer.
//
//	┌────────────┐  identity   ┌──────────────────────────────┐
//	│ connection │────────────▶│ Hub                          │
//	└────────────┘ identity-ack│  topic → topicSet (per-topic │
//	      │                    │  lock) + peer bookkeeping    │
//	      │ join/leave/sync/   └───────┬───────────┬──────────┘
//	      │ awareness                  │           │
//	      ▼                            │           ▼
//	 local fan-out ◀───────────────────┘   ┌───────────────┐
//	 (peers-list, peer-joined,             │ swarm.Adapter │
//	  peer-left, tagged sync)              │ join/leave/   │
//	                                       │ broadcast +   │
//	                                       │ event pump    │
//	                                       └───────────────┘
//
// # Core Components
//
//   - Hub: frame routing, the topic registry, and the swarm event pump.
//     Malformed frames, unknown types, and topics shorter than two
//     decoded bytes are dropped without a reply.
//   - peer: one connection with its server-assigned client id, announced
//     identity, and mutex-guarded writes.
//   - topicSet: individually locked subscriber set per topic.
//
// The hub joins a swarm topic when its first local subscriber arrives and
// leaves when the last one goes; intermediate churn stays local.
//
// # Usage
//
//	hub := p2p.New(adapter)
//	hub.Start()
//	mux.HandleFunc("/", hub.HandleWS)
//	defer hub.Stop()
//
// # Integration Points
//
//   - pkg/swarm: the opaque bridge to desktop peers. Adapter failures are
//     logged and never close client connections.
//   - pkg/keys: TopicHash produces the topic identifiers clients join.
//   - pkg/sidecar: owns the listener, the adapter lifecycle, and Stop
//     ordering on shutdown.
package p2p
