// Package metrics provides Prometheus instrumentation for the chat relay.
// It exposes gauges for connection and session counts, counters for message
// and bus throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alumni_chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// HandshakesTotal counts WebSocket handshakes by result.
	HandshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alumni_chat_handshakes_total",
		Help: "WebSocket handshakes by result",
	}, []string{"result"}) // result = "accepted", "rejected"

	// MessagesTotal counts inbound chat frames by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alumni_chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"}) // type = "stored", "dropped", "rate_limited", "failed"

	// MessageLatency records send-to-publish latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "alumni_chat_message_latency_seconds",
		Help:    "Time from frame receipt to bus publish in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BusPublishTotal counts bus publishes by channel and result.
	BusPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alumni_chat_bus_publish_total",
		Help: "Broadcast bus publishes",
	}, []string{"channel", "result"})

	// BusPublishLatency records bus publish latency in seconds.
	BusPublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "alumni_chat_bus_publish_latency_seconds",
		Help:    "Broadcast bus publish latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5, 1, 2},
	})

	// BusReconnectsTotal counts subscription recoveries per transport.
	BusReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alumni_chat_bus_reconnects_total",
		Help: "Broadcast bus reconnect attempts",
	}, []string{"transport"})

	// FanoutTotal counts envelopes re-emitted to local connections.
	FanoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alumni_chat_fanout_total",
		Help: "Envelopes delivered to the local chat room",
	}, []string{"event"})

	// HTTPRequestsTotal counts control-surface requests by route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alumni_chat_http_requests_total",
		Help: "Chat HTTP API requests",
	}, []string{"route", "status"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		HandshakesTotal,
		MessagesTotal,
		MessageLatency,
		BusPublishTotal,
		BusPublishLatency,
		BusReconnectsTotal,
		FanoutTotal,
		HTTPRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
