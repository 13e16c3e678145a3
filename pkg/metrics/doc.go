// Package metrics provides Prometheus instrumentation and the process
// health model served by the HTTP adjunct.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────┐
//	│                      metrics                        │
//	│                                                     │
//	│  package-level collectors (nahma_ prefix)           │
//	│    connections, subscriptions, frames, broadcasts,  │
//	│    op durations, rate-limit rejections, updates,    │
//	│    invite lifecycle, sweep deletions                │
//	│                                                     │
//	│  HealthChecker: per-component health + readiness    │
//	│  Handler(): /metrics  Health/ReadyHandler(): HTTP   │
//	└─────────────────────────────────────────────────────┘
//
// # Usage
//
//	metrics.ConnectionsActive.WithLabelValues("metadata").Inc()
//
//	timer := metrics.NewTimer()
//	defer timer.ObserveDuration(metrics.MetaOpDuration.WithLabelValues(op))
//
//	metrics.RegisterComponent("store", true, "")
//
// # Integration Points
//
//   - pkg/broker, pkg/relay, pkg/p2p: counters and gauges
//   - pkg/invite: sweep deletion counters
//   - pkg/api: /metrics, /health, /ready handlers
//   - pkg/sidecar: component registration during startup
//
// Readiness requires every critical component (store, metadata, document,
// relay) to be registered and healthy; health is the AND over everything
// registered.
package metrics
