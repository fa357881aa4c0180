package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_sent_total",
		Help: "Messages successfully written through the optimistic send pipeline.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_send_failures_total",
		Help: "Optimistic sends rolled back after a failed remote write.",
	})

	EventsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_realtime_events_merged_total",
		Help: "Realtime events applied by the merge layer, by event type.",
	}, []string{"type"})

	MessagesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_deduplicated_total",
		Help: "Remote inserts dropped as duplicates of existing entries.",
	})

	SeenSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_seen_sweeps_total",
		Help: "Batch seen-marking sweeps executed.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_active_sessions",
		Help: "Open conversation sessions.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_ws_connections",
		Help: "Open websocket connections.",
	})
)
