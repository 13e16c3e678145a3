package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nahma_connections_active",
			Help: "Live WebSocket connections by endpoint",
		},
		[]string{"endpoint"},
	)

	SubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nahma_subscriptions_active",
			Help: "Live subscription set entries by kind (workspace, document, topic, open-doc)",
		},
		[]string{"kind"},
	)

	// Frame metrics
	FramesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nahma_frames_received_total",
			Help: "Frames read from clients by endpoint",
		},
		[]string{"endpoint"},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nahma_broadcasts_total",
			Help: "Frames fanned out to subscribers by endpoint",
		},
		[]string{"endpoint"},
	)

	MalformedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nahma_malformed_frames_total",
			Help: "Frames dropped as malformed by endpoint",
		},
		[]string{"endpoint"},
	)

	// Metadata broker metrics
	MetaOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nahma_meta_op_duration_seconds",
			Help:    "Metadata operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nahma_rate_limit_rejections_total",
			Help: "Metadata operations rejected by the sliding-window limiter",
		},
	)

	// Document relay metrics
	UpdatesPersistedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nahma_updates_persisted_total",
			Help: "Encrypted CRDT updates appended to document logs",
		},
	)

	SyncHandshakesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nahma_sync_handshakes_total",
			Help: "Completed document sync handshakes",
		},
	)

	// Invite metrics
	InvitesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nahma_invites_created_total",
			Help: "Share links minted",
		},
	)

	InvitesRedeemedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nahma_invites_redeemed_total",
			Help: "Successful share link redemptions",
		},
	)

	InviteSweepDeletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nahma_invite_sweep_deletions_total",
			Help: "Invites removed by garbage collection, by tier",
		},
		[]string{"tier"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(FramesReceivedTotal)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(MalformedFramesTotal)
	prometheus.MustRegister(MetaOpDuration)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(UpdatesPersistedTotal)
	prometheus.MustRegister(SyncHandshakesTotal)
	prometheus.MustRegister(InvitesCreatedTotal)
	prometheus.MustRegister(InvitesRedeemedTotal)
	prometheus.MustRegister(InviteSweepDeletionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
