// Package broker implements the metadata endpoint: a WebSocket handler
// through which clients manage workspaces, folders, documents, share
// links, and collaborator permissions, and over which every metadata
// mutation is fanned out to the workspace's live subscribers.
//
// # Architecture
//
// Each connection is serviced by one reader goroutine that applies frames
// in arrival order. Writes to a connection are serialized by a per-session
// mutex, so direct replies and broadcasts from other sessions interleave
// safely.
//
//	┌────────────┐  set-key   ┌───────────────────────────────┐
//	│ connection │───────────▶│ session FSM                   │
//	└────────────┘            │connecting→keyed→active→closing│
//	                          └──────────────┬────────────────┘
//	                                         │ ops
//	                          ┌──────────────▼────────────────┐
//	                          │ dispatch                      │
//	                          │  rate limit → authorize →     │
//	                          │  store mutation → reply →     │
//	                          │  workspace broadcast          │
//	                          └──────┬───────────┬────────────┘
//	                                 │           │
//	                       ┌─────────▼──┐  ┌─────▼─────────┐
//	                       │ Registry   │  │ storage.Store │
//	                       │ ws/user/   │  │ permission    │
//	                       │ open-doc   │  │ invite        │
//	                       └────────────┘  └───────────────┘
//
// # Core Components
//
//   - Broker: upgrades connections, routes operation frames, and owns the
//     error-code mapping. Malformed frames are logged and dropped; the
//     socket stays open.
//   - Registry: workspace subscription sets (individually locked), the
//     session index per user key, and the open-document set that delete
//     cascades consult.
//   - RateLimiter: sliding-window budget per session key. Only metadata
//     operations are metered.
//   - session: the connection state machine plus mutex-guarded writes.
//
// # Usage
//
//	b := broker.New(store, engine, invites, clockwork.NewRealClock(), broker.Config{})
//	mux.HandleFunc("/", b.HandleWS)
//
// # Integration Points
//
//   - pkg/permission: every operation is authorized at evaluation time, so
//     a permission change applies to the very next frame.
//   - pkg/invite: create/redeem/invalidate share links; redeemers of an
//     invalidated link receive link-invalidated on all their sessions.
//   - pkg/storage: failures on metadata writes surface as TRANSIENT and
//     suppress the broadcast.
//   - pkg/relay: the supervisor hands the Registry to the document relay
//     so workspace-meta events reach metadata subscribers.
package broker
