// ABOUTME: Prometheus metrics for routing, bridging, and ingress activity.
// ABOUTME: Exposed on the HTTP mux when metrics are enabled in config.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_routed_total",
			Help: "Total messages routed, by channel and outcome",
		},
		[]string{"channel", "outcome"}, // outcome: ok, timeout, error
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_duration_seconds",
			Help:    "Handler send duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"channel"},
	)

	RouteTableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_route_table_size",
			Help: "Current number of routes in the table",
		},
	)

	// Bridge metrics
	BridgeForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_bridge_forwards_total",
			Help: "Total legacy bridge forwards, by delegate status",
		},
		[]string{"status"},
	)

	// Ingress metrics
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_stream_connections",
			Help: "Currently open stream connections",
		},
	)

	EnvelopesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_envelopes_rejected_total",
			Help: "Envelopes rejected before dispatch",
		},
		[]string{"reason"}, // validation, duplicate
	)
)
