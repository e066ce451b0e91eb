// Package metrics provides Prometheus instrumentation for the sandbox.
//
// All metrics live on a private registry rather than the global default,
// and cover the process-wide execution telemetry: cumulative execution
// counts, durations, validation outcomes, terminations, and the number of
// active sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for execbox.
type Collector struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ValidationsTotal  *prometheus.CounterVec
	TerminationsTotal *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered on a custom
// prometheus.Registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"language", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execbox",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"language"}),

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Subsystem: "validator",
			Name:      "validations_total",
			Help:      "Total validation runs by resulting risk level.",
		}, []string{"risk_level"}),

		TerminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbox",
			Subsystem: "sandbox",
			Name:      "terminations_total",
			Help:      "Total forced session terminations by reason.",
		}, []string{"reason"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execbox",
			Subsystem: "sandbox",
			Name:      "active_sessions",
			Help:      "Sessions currently executing.",
		}),
	}

	reg.MustRegister(
		c.ExecutionsTotal,
		c.ExecutionDuration,
		c.ValidationsTotal,
		c.TerminationsTotal,
		c.ActiveSessions,
	)

	return c
}
