// Package api implements the HTTP adjunct that runs beside the
// WebSocket endpoints: the invite landing route, the SPA catch-all,
// and the health, readiness, and metrics endpoints.
//
// # Architecture
//
// One mux, specific routes ahead of the catch-all. Invite links must
// never be cached, so /join/* sets the no-store directive while the
// catch-all serves the SPA with default caching.
//
//	┌─────────────┐
//	│ GET /join/* │──▶ SPA shell, Cache-Control: no-cache, no-store,
//	└─────────────┘    must-revalidate
//	┌─────────────┐
//	│ GET /health │──▶ component health JSON (pkg/metrics)
//	│ GET /ready  │──▶ 200 once store, metadata, document, relay report in
//	│ GET /metrics│──▶ Prometheus exposition
//	└─────────────┘
//	┌─────────────┐
//	│ GET /*      │──▶ static bundle with index.html fallback, or the
//	└─────────────┘    built-in shell at /
//
// # Core Components
//
//   - Server: route registration, the blocking Start loop, graceful Stop.
//   - shellHTML: the built-in shell used when no bundle is configured.
//
// # Usage
//
//	srv := api.NewServer(api.Config{})
//	go func() { _ = srv.Start(":8083") }()
//	defer srv.Stop(5 * time.Second)
//
// # Integration Points
//
//   - pkg/metrics: health and readiness aggregation plus the Prometheus
//     handler; the supervisor registers the critical components.
//   - pkg/sidecar: starts the adjunct after the store opens and stops it
//     during shutdown.
package api
