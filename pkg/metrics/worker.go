package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics tracks the poll loop of one worker process
type WorkerMetrics struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	claimsLost   prometheus.Counter
	results      *prometheus.CounterVec
	execDuration prometheus.Histogram
	busy         prometheus.Gauge
}

// NewWorkerMetrics registers the worker collectors on a private registry
func NewWorkerMetrics() *WorkerMetrics {
	m := &WorkerMetrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bisect_worker_ticks_total",
				Help: "Poll ticks by outcome (idle, claimed, skipped, failed)",
			},
			[]string{"outcome"},
		),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bisect_worker_claims_lost_total",
			Help: "Claim attempts rejected because another worker won",
		}),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bisect_worker_results_total",
				Help: "Results reported by status",
			},
			[]string{"status"},
		),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bisect_worker_execution_duration_seconds",
			Help:    "Wall-clock time of tool executions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bisect_worker_busy",
			Help: "1 while a claimed job is executing",
		}),
	}
	m.registry.MustRegister(
		m.ticks, m.claimsLost, m.results, m.execDuration, m.busy,
		collectors.NewGoCollector(),
	)
	return m
}

// TickSkipped counts a tick dropped because the previous one was still running
func (m *WorkerMetrics) TickSkipped() { m.ticks.WithLabelValues("skipped").Inc() }

// TickIdle counts a tick that found nothing to claim
func (m *WorkerMetrics) TickIdle() { m.ticks.WithLabelValues("idle").Inc() }

// TickFailed counts a tick that ended with an error
func (m *WorkerMetrics) TickFailed() { m.ticks.WithLabelValues("failed").Inc() }

// ClaimLost counts a claim rejected by the broker
func (m *WorkerMetrics) ClaimLost() { m.claimsLost.Inc() }

// ExecutionStarted marks the worker busy and counts a claimed tick
func (m *WorkerMetrics) ExecutionStarted() {
	m.ticks.WithLabelValues("claimed").Inc()
	m.busy.Set(1)
}

// ExecutionFinished records the result of one execution
func (m *WorkerMetrics) ExecutionFinished(status string, seconds float64) {
	m.busy.Set(0)
	m.results.WithLabelValues(status).Inc()
	m.execDuration.Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format
func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HealthHandler reports liveness and the job currently executing
func HealthHandler(currentJob func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":      "healthy",
			"current_job": currentJob(),
		})
	}
}
