// Package metrics exposes the pilot-center Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pilot",
		Subsystem: "center",
		Name:      "sessions_connected",
		Help:      "Number of live WebSocket sessions.",
	})

	MsusRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pilot",
		Subsystem: "center",
		Name:      "msus_registered",
		Help:      "Number of registered MSUs.",
	})

	InvitesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pilot",
		Subsystem: "center",
		Name:      "invites_sent_total",
		Help:      "Invite requests issued to MSUs.",
	})

	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pilot",
		Subsystem: "center",
		Name:      "request_timeouts_total",
		Help:      "Outbound requests that expired without a response.",
	})

	MsusPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pilot",
		Subsystem: "center",
		Name:      "msus_pruned_total",
		Help:      "MSUs evicted by the liveness sweep.",
	})
)
