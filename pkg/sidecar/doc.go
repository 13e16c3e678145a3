// Package sidecar supervises the collaboration process: it opens the
// store, builds the permission and invite engines, derives the device
// key material, and runs the three WebSocket endpoints plus the HTTP
// adjunct with an ordered startup and a graceful, bounded shutdown.
//
// # Architecture
//
//	                ┌──────────────────────────────┐
//	                │           Sidecar            │
//	                │                              │
//	:8081 metadata ─┼─▶ broker ──┬─▶ permission    │
//	:8080 document ─┼─▶ relay  ──┤   invites       │
//	:8082 p2p      ─┼─▶ hub      │     │           │
//	:8083 http     ─┼─▶ adjunct  └─▶ BoltStore ◀───┼── invite sweeper
//	                │                              │
//	                │   device.key ─▶ key chains   │
//	                │              └▶ peer identity│
//	                └──────────────────────────────┘
//
// Startup order: store, key material, engines, swarm adapter, listeners,
// readiness registration, background loops. Shutdown reverses it: stop
// the sweeper, shut the listeners with a grace period, close the live
// WebSocket connections and wait for their teardown to drain the
// subscription sets, then stop the swarm pump and close the store.
//
// # Core Components
//
//   - Sidecar: component graph plus Start and Stop.
//   - docKeyProvider: per-document at-rest keys, derived from the
//     device secret by walking the document's folder ancestry.
//   - deviceSecret: the stable per-device passphrase under the storage
//     directory; runs without persistence use a throwaway secret.
//
// # Usage
//
//	s, err := sidecar.New(cfg)
//	if err != nil {
//		return err
//	}
//	if err := s.Start(); err != nil {
//		s.Stop(0)
//		return err
//	}
//	defer s.Stop(10 * time.Second)
//
// # Integration Points
//
//   - pkg/config: the resolved runtime configuration.
//   - pkg/broker, pkg/relay, pkg/p2p: the WebSocket endpoints and their
//     CloseAll/ConnCount drain hooks.
//   - pkg/api: the HTTP adjunct.
//   - pkg/metrics: readiness registration for store, metadata,
//     document, and relay.
//   - cmd/nahma-sidecar: builds and runs the sidecar from the CLI.
package sidecar
