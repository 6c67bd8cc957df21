package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lockstep",
			Subsystem: "session",
			Name:      "connected_peers",
			Help:      "Peers currently in the Connected state.",
		},
	)
	syncMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Sync messages processed, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	peerReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "peers",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts started, by reason.",
		},
		[]string{"reason"},
	)
	heartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "peers",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connected peers demoted after the quiet window elapsed.",
		},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockstep",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Bus events dropped because a subscriber buffer was full.",
		},
		[]string{"topic"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectedPeers,
			syncMessages,
			peerReconnects,
			heartbeatTimeouts,
			droppedEvents,
		)
	})
}

func SetConnectedPeers(n int) {
	RegisterMetrics()
	connectedPeers.Set(float64(n))
}

func RecordSyncMessage(msgType, outcome string) {
	RegisterMetrics()
	syncMessages.WithLabelValues(msgType, outcome).Inc()
}

func RecordReconnect(reason string) {
	RegisterMetrics()
	peerReconnects.WithLabelValues(reason).Inc()
}

func RecordHeartbeatTimeout() {
	RegisterMetrics()
	heartbeatTimeouts.Inc()
}

func RecordDroppedEvent(topic string) {
	RegisterMetrics()
	droppedEvents.WithLabelValues(topic).Inc()
}
