// Package swarm defines the adapter contract through which the relay
// plane reaches peers outside its own WebSocket listener, plus an
// in-process implementation for local setups and tests.
//
// # Architecture
//
// The relay plane treats the swarm as an opaque collaborator: it joins
// and leaves topics, broadcasts sync and awareness datagrams, and
// consumes a single event stream of everything remote peers did. No
// ordering is guaranteed between peers.
//
//	┌────────────┐ Join/Leave/Broadcast ┌──────────────┐
//	│ relay plane│─────────────────────▶│   Adapter    │
//	│  (pkg/p2p) │◀─────────────────────│              │
//	└────────────┘    Events() chan     └──────┬───────┘
//	                                           │
//	                                    ┌──────▼───────┐
//	                                    │ MemorySwarm  │
//	                                    │ topic → set  │
//	                                    │ of adapters  │
//	                                    └──────────────┘
//
// # Core Components
//
//   - Adapter: the pluggable contract. Initialize once, then topic
//     membership and broadcasts; Events() carries sync, awareness,
//     peer-joined, and peer-left from remote peers until Destroy.
//   - MemorySwarm: a loopback bus. Adapters minted from the same instance
//     are each other's peers. Delivery is a non-blocking send into a
//     bounded per-adapter buffer; a full buffer drops the event.
//
// # Usage
//
//	bus := swarm.NewMemorySwarm()
//	adapter := bus.Adapter()
//	if err := adapter.Initialize(identity); err != nil { ... }
//	peers, err := adapter.JoinTopic(topicHex)
//
// # Integration Points
//
//   - pkg/p2p: mirrors topic membership into the adapter and bridges
//     frames in both directions.
//   - pkg/sidecar: owns the adapter lifecycle; Initialize at startup with
//     the node identity, Destroy on shutdown.
package swarm
