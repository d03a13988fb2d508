package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics.
var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_relayed_total",
			Help: "The total number of relayed signaling messages",
		},
		[]string{"type"},
	)
	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_connections_dropped_total",
			Help: "The total number of connections closed by the server",
		},
		[]string{"reason"},
	)
	liveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_rooms",
			Help: "The number of sessions with live signaling connections",
		},
	)
	liveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signaling_connections",
			Help: "The number of live signaling connections",
		},
	)
)
