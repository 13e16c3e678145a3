// Package wire defines the frame vocabulary shared by the three WebSocket
// endpoints: JSON frames for the metadata and relay endpoints, binary
// framing for the document endpoint, and the stable error codes.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────┐
//	│                        wire                            │
//	│                                                        │
//	│  JSON frames {type, ...}          Binary frames        │
//	│  ┌──────────────────────┐   ┌──────────────────────┐   │
//	│  │ metadata ops/events  │   │ [kind][body]         │   │
//	│  │ relay topic frames   │   │ sync-request/response│   │
//	│  │ error{code,message}  │   │ sync-ack/update/     │   │
//	│  └──────────────────────┘   │ awareness            │   │
//	│                             └──────────────────────┘   │
//	└────────────────────────────────────────────────────────┘
//
// # Core Components
//
//   - Peek: type-field dispatch for inbound JSON frames
//   - Msg* constants: every frame type on the metadata and relay endpoints
//   - Error / ErrorCode: typed error replies with stable codes
//   - Bin* kinds and Encode/Decode helpers for document endpoint frames
//
// # Usage
//
//	msgType, err := wire.Peek(raw)
//	if err != nil { /* drop frame */ }
//	switch msgType {
//	case wire.MsgCreateWorkspace:
//	    var frame wire.CreateWorkspace
//	    json.Unmarshal(raw, &frame)
//	    ...
//	}
//
// # Integration Points
//
//   - pkg/broker: metadata frames and error replies
//   - pkg/relay: binary document frames
//   - pkg/p2p: relay topic frames
//
// Sync requests carry an 8-byte big-endian sequence watermark ahead of the
// CRDT library's opaque state vector; the server diffs the update log
// against the watermark and never parses the vector itself.
package wire
