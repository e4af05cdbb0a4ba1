// Package metrics exposes Prometheus collectors for the protocol client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the client-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearing_client",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total requests sent to the clearing authority.",
		},
		[]string{"method", "status"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clearing_client",
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests currently awaiting a correlated response.",
		},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clearing_client",
			Subsystem: "conn",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after involuntary closes.",
		},
	)

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearing_client",
			Subsystem: "auth",
			Name:      "handshakes_total",
			Help:      "Authentication handshake outcomes.",
		},
		[]string{"outcome"},
	)

	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearing_client",
			Subsystem: "rpc",
			Name:      "broadcasts_total",
			Help:      "Unsolicited frames received, by broadcast kind.",
		},
		[]string{"method"},
	)

	heartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clearing_client",
			Subsystem: "conn",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat pings that failed to send or answer.",
		},
	)
)

func init() {
	Registry.MustRegister(
		requests,
		pendingRequests,
		reconnects,
		handshakes,
		broadcasts,
		heartbeatFailures,
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one settled request.
func ObserveRequest(method, status string) {
	requests.WithLabelValues(method, status).Inc()
}

// PendingAdd tracks the in-flight request gauge.
func PendingAdd(delta float64) { pendingRequests.Add(delta) }

// ObserveReconnect counts a scheduled reconnect attempt.
func ObserveReconnect() { reconnects.Inc() }

// ObserveHandshake records a handshake outcome ("ok" or "failed").
func ObserveHandshake(outcome string) {
	handshakes.WithLabelValues(outcome).Inc()
}

// ObserveBroadcast counts one unsolicited frame.
func ObserveBroadcast(method string) {
	broadcasts.WithLabelValues(method).Inc()
}

// ObserveHeartbeatFailure counts a failed liveness ping.
func ObserveHeartbeatFailure() { heartbeatFailures.Inc() }
