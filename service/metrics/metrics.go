package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ppchat_connections_active",
			Help: "Authenticated WebSocket connections held by this node",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_auth_failures_total",
			Help: "Handshake authentication failures by reason",
		},
		[]string{"reason"},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_disconnects_total",
			Help: "Closed connections by disconnect reason",
		},
		[]string{"reason"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_messages_sent_total",
			Help: "send-message outcomes",
		},
		[]string{"result"},
	)

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_bus_published_total",
			Help: "Envelopes published on the cross-instance bus",
		},
		[]string{"channel"},
	)

	BusDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_bus_duplicates_total",
			Help: "Envelopes dropped by the consumer dedup",
		},
		[]string{"channel"},
	)

	RegistryReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ppchat_registry_reaped_total",
			Help: "Zombie connections removed by the TTL reaper",
		},
	)

	PresenceStaleRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ppchat_presence_stale_removed_total",
			Help: "Expired presence device entries removed by the cleanup sweep",
		},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_rate_limited_total",
			Help: "Client events rejected by the rate limiter",
		},
		[]string{"event"},
	)

	SendLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ppchat_send_duration_seconds",
			Help:    "Time from send-message receipt to ack",
			Buckets: prometheus.DefBuckets,
		},
	)
)
