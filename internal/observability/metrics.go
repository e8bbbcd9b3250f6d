package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the dispatch core.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Dispatch (rate governor) metrics.
	DispatchRequestsTotal *prometheus.CounterVec
	DispatchDuration      *prometheus.HistogramVec
	DispatchRetriesTotal  prometheus.Counter
	DispatchQueueDepth    prometheus.Gauge
	CooldownsTotal        prometheus.Counter

	// Sandbox executor metrics.
	SandboxRunsTotal   *prometheus.CounterVec
	SandboxRunDuration prometheus.Histogram
	SandboxActiveRuns  prometheus.Gauge

	// Data-access proxy metrics.
	ProxyOpsTotal *prometheus.CounterVec

	// Static validator metrics.
	ValidationFailuresTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		DispatchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total dispatch requests by settlement status.",
		}, []string{"method", "status"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tuma",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Successful dispatch duration from execution start to settlement.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method"}),

		DispatchRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Total transport-error retries.",
		}),

		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuma",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Admitted requests waiting for dispatch.",
		}),

		CooldownsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "dispatch",
			Name:      "cooldowns_total",
			Help:      "Total cooldown transitions.",
		}),

		SandboxRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total sandbox runs by terminal state.",
		}, []string{"status"}),

		SandboxRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tuma",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandbox run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		SandboxActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tuma",
			Subsystem: "sandbox",
			Name:      "active_runs",
			Help:      "Isolates currently executing.",
		}),

		ProxyOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "proxy",
			Name:      "ops_total",
			Help:      "Total data-access proxy operations by outcome.",
		}, []string{"op", "status"}),

		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuma",
			Subsystem: "validator",
			Name:      "failures_total",
			Help:      "Scripts rejected by the static validator, by deny-pattern.",
		}, []string{"pattern"}),
	}

	reg.MustRegister(
		m.DispatchRequestsTotal,
		m.DispatchDuration,
		m.DispatchRetriesTotal,
		m.DispatchQueueDepth,
		m.CooldownsTotal,
		m.SandboxRunsTotal,
		m.SandboxRunDuration,
		m.SandboxActiveRuns,
		m.ProxyOpsTotal,
		m.ValidationFailuresTotal,
	)

	return m
}
