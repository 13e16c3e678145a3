// Package relay implements the document endpoint: binary WebSocket
// subscriptions through which CRDT updates are synchronized, persisted
// encrypted, and fanned out to every other subscriber of the same
// document.
//
// # Architecture
//
// A connection subscribes to exactly one document, named by the docId
// query parameter and authorized by the key parameter. After admission the
// client opens with a sync request carrying its log watermark; the server
// answers with the decrypted diff and an ack, then relays live traffic.
//
//	┌────────────┐ ?docId&key ┌──────────────────────────────┐
//	│ connection │───────────▶│ admission (permission chain) │
//	└────────────┘            └──────────────┬───────────────┘
//	                                         │
//	              sync-request ┌─────────────▼───────────────┐
//	             ─────────────▶│ handshake                   │
//	              sync-resp+ack│  UpdatesSince → decrypt     │
//	             ◀─────────────└─────────────┬───────────────┘
//	                                         │
//	                   update  ┌─────────────▼───────────────┐
//	             ─────────────▶│ authorize edit → encrypt →  │
//	                           │ append → fan out verbatim   │
//	                           └─────────────┬───────────────┘
//	                                         │
//	                           ┌─────────────▼───────────────┐
//	                           │ ObserverGuard               │
//	                           │ persistence gate, one       │
//	                           │ observer per document       │
//	                           └─────────────────────────────┘
//
// # Core Components
//
//   - Relay: admission, the sync handshake, update persistence, and
//     fan-out. Recoverable failures ride back as JSON error frames on the
//     binary socket; unrecoverable ones close with a policy violation.
//   - ObserverGuard: tracks which documents carry the internal observer.
//     Updates persist only while an observer is attached, and attaching
//     twice is a no-op.
//   - subscriber: one connection, mutex-guarded writes, handshake state.
//
// Document ids under the workspace-meta: prefix mirror workspace metadata
// as a CRDT document. They authorize against the workspace, are relayed
// like any other document, and are never observed or persisted.
//
// # Usage
//
//	r := relay.New(store, engine, keyProvider, clockwork.NewRealClock(), relay.Config{})
//	mux.HandleFunc("/", r.HandleWS)
//
// # Integration Points
//
//   - pkg/permission: admission requires any visibility; per-frame writes
//     require editor. A denied update is not appended and not relayed.
//   - pkg/crypto: updates are encrypted before the log and decrypted when
//     serving diffs; plaintext never touches disk.
//   - pkg/storage: the append-only update log keyed by document.
//   - pkg/broker: the supervisor wires open-document to EnsureObserver and
//     delete cascades to DetachObserver.
package relay
