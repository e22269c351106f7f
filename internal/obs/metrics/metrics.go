// Package metrics provides Prometheus metrics collection for pipeline
// components, grounded on a per-service CounterVec/HistogramVec/GaugeVec
// registration pattern, generalized from HTTP/DB-request metrics to the
// pipeline's own vocabulary (deliveries, quarantine, reconnects, flush
// lag).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector a pipeline component registers.
type Metrics struct {
	DeliveriesConsumed *prometheus.CounterVec
	DeliveriesAcked    *prometheus.CounterVec
	DeliveriesNacked   *prometheus.CounterVec
	QuarantineTotal    *prometheus.CounterVec
	ReconnectsTotal    prometheus.Counter
	FlushLagSeconds    *prometheus.GaugeVec
	RecorderRejections *prometheus.CounterVec
}

// New creates a new Metrics instance registered against the default registry.
func New(component string) *Metrics {
	return NewWithRegistry(component, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance registered against registerer.
func NewWithRegistry(component string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "n6pipe_deliveries_consumed_total",
				Help: "Total deliveries claimed by this component.",
			},
			[]string{"component", "routing_state"},
		),
		DeliveriesAcked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "n6pipe_deliveries_acked_total",
				Help: "Total deliveries acknowledged after successful publish.",
			},
			[]string{"component"},
		),
		DeliveriesNacked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "n6pipe_deliveries_nacked_total",
				Help: "Total deliveries nacked (requeued or quarantined).",
			},
			[]string{"component", "kind"},
		),
		QuarantineTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "n6pipe_quarantine_total",
				Help: "Total messages moved to quarantine.",
			},
			[]string{"component"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "n6pipe_broker_reconnects_total",
				Help: "Total broker reconnect attempts.",
			},
		),
		FlushLagSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "n6pipe_flush_lag_seconds",
				Help: "Seconds since the last successful flush tick.",
			},
			[]string{"component"},
		),
		RecorderRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "n6pipe_recorder_rejections_total",
				Help: "Total recorder persistence rejections by error kind.",
			},
			[]string{"kind"},
		),
	}

	registerer.MustRegister(
		m.DeliveriesConsumed,
		m.DeliveriesAcked,
		m.DeliveriesNacked,
		m.QuarantineTotal,
		m.ReconnectsTotal,
		m.FlushLagSeconds,
		m.RecorderRejections,
	)

	return m
}
