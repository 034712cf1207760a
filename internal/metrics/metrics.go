// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "supportsync",
		Name:      "connection_state",
		Help:      "Current transport state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=failed)",
	})

	ReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supportsync",
		Name:      "reconnect_attempts_total",
		Help:      "Total reconnect attempts made after a transport drop",
	})

	ConnectionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supportsync",
		Name:      "connection_errors_total",
		Help:      "Connection-level errors by operation",
	}, []string{"op"})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supportsync",
		Name:      "frames_total",
		Help:      "Wire frames by direction and kind",
	}, []string{"direction", "kind"})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supportsync",
		Name:      "reconcile_total",
		Help:      "Inbound confirmed messages by reconciliation outcome",
	}, []string{"outcome"})

	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "supportsync",
		Name:      "outbox_depth",
		Help:      "Sends waiting for a connection",
	})

	SendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "supportsync",
		Name:      "send_failures_total",
		Help:      "Pending sends marked failed after the ack timeout",
	})

	HandlerPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "supportsync",
		Name:      "dispatcher_handler_panics_total",
		Help:      "Event handlers that panicked during dispatch",
	}, []string{"kind"})
)

// IncFrame records one frame; empty kinds are reported as "unknown".
func IncFrame(direction, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	FramesTotal.WithLabelValues(direction, kind).Inc()
}

// IncConnectionError records a connection error for op.
func IncConnectionError(op string) {
	if op == "" {
		op = "unknown"
	}
	ConnectionErrorsTotal.WithLabelValues(op).Inc()
}
