// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts completed cycles by type (full, delta) and outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_cycles_total",
		Help: "Total number of view cycles executed",
	}, []string{"type", "outcome"})

	// CycleDuration tracks wall-clock cycle duration.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskengine_cycle_duration_seconds",
		Help:    "View cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// CompilationsTotal counts view compilations by outcome.
	CompilationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_compilations_total",
		Help: "Total number of view compilations",
	}, []string{"outcome"})

	// ResolutionFailures counts unresolved requirements by failure reason.
	ResolutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_resolution_failures_total",
		Help: "Unresolved value requirements by reason",
	}, []string{"reason"})

	// JobsTotal counts dispatched node jobs by outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_jobs_total",
		Help: "Node jobs dispatched to calculation workers",
	}, []string{"outcome"})

	// JobRetries counts jobs re-queued after worker loss.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_job_retries_total",
		Help: "Jobs re-queued after a worker was lost",
	})

	// JobDuration tracks node invocation latency.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskengine_job_duration_seconds",
		Help:    "Node job execution latency in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// ActiveProcesses tracks running view processes.
	ActiveProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_active_view_processes",
		Help: "Number of running view processes",
	})

	// StreamClients tracks connected result stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_stream_clients",
		Help: "Number of connected result stream clients",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
