// Package metrics defines the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsConnected tracks the number of agents with an open WebSocket
	// connection. Mirrors the registry count.
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automi",
		Subsystem: "gateway",
		Name:      "agents_connected",
		Help:      "Number of agents with an active WebSocket connection.",
	})

	// RunsTotal counts terminal run outcomes by status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automi",
		Subsystem: "runs",
		Name:      "completed_total",
		Help:      "Number of task runs reaching a terminal status.",
	}, []string{"status"})

	// DispatchFailures counts EXECUTE_TASK frames that could not be delivered
	// to an agent.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automi",
		Subsystem: "runs",
		Name:      "dispatch_failures_total",
		Help:      "Number of task dispatches that failed to reach the agent.",
	})

	// HandshakeRejections counts rejected connection attempts by reason.
	HandshakeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "automi",
		Subsystem: "gateway",
		Name:      "handshake_rejections_total",
		Help:      "Number of agent connection attempts rejected during handshake.",
	}, []string{"reason"})

	// FramesDropped counts inbound frames discarded by the per-agent rate
	// limiter.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "automi",
		Subsystem: "gateway",
		Name:      "frames_dropped_total",
		Help:      "Number of inbound agent frames dropped by rate limiting.",
	})

	// QueueDepth tracks runs waiting for their agent to come online or for a
	// previous run of the same task to finish.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "automi",
		Subsystem: "runs",
		Name:      "queue_depth",
		Help:      "Number of pending runs waiting for dispatch.",
	})
)
