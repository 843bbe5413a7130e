// Package metrics provides Prometheus instrumentation for the chat
// transport. It exposes gauges for connection and presence counts, counters
// for message throughput, and histograms for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of distinct online users.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Current number of distinct online users",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "sent", "dropped", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// EventsTotal counts inbound events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_total",
		Help: "Total number of inbound client events",
	}, []string{"type"})

	// FanoutLatency records room fan-out latency in seconds.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_fanout_latency_seconds",
		Help:    "Room fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})

	// ActiveRooms tracks the current number of rooms with at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_rooms",
		Help: "Current number of rooms with at least one member",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		EventsTotal,
		FanoutLatency,
		ActiveRooms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
