package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BrokerMetrics tracks HTTP traffic and job mutations on the broker
type BrokerMetrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
	jobsCreated  *prometheus.CounterVec
	patches      *prometheus.CounterVec
	logBytes     prometheus.Counter
	jobs         prometheus.GaugeFunc
}

// NewBrokerMetrics registers the broker collectors on a private registry.
// jobCount is sampled on every scrape.
func NewBrokerMetrics(jobCount func() int) *BrokerMetrics {
	m := &BrokerMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bisect_broker_http_requests_total",
				Help: "HTTP requests handled by the broker",
			},
			[]string{"method", "route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bisect_broker_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bisect_broker_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),
		jobsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bisect_broker_jobs_created_total",
				Help: "Jobs accepted by POST /jobs",
			},
			[]string{"type"},
		),
		patches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bisect_broker_patches_total",
				Help: "Patch batches by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		logBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bisect_broker_log_bytes_total",
			Help: "Bytes appended to job logs",
		}),
	}
	m.jobs = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bisect_broker_jobs",
		Help: "Jobs currently held by the broker",
	}, func() float64 { return float64(jobCount()) })

	m.registry.MustRegister(
		m.requests, m.duration, m.responseSize,
		m.jobsCreated, m.patches, m.logBytes, m.jobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordJobCreated counts an accepted submission
func (m *BrokerMetrics) RecordJobCreated(jobType string) {
	m.jobsCreated.WithLabelValues(jobType).Inc()
}

// RecordPatch counts a patch batch. outcome is "applied" or the HTTP status class of the rejection.
func (m *BrokerMetrics) RecordPatch(kind, outcome string) {
	m.patches.WithLabelValues(kind, outcome).Inc()
}

// RecordLogAppend counts appended log bytes
func (m *BrokerMetrics) RecordLogAppend(n int) {
	m.logBytes.Add(float64(n))
}

// Registry exposes the underlying registry
func (m *BrokerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *BrokerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count, latency and response size per route
// template, so job ids do not explode label cardinality.
func (m *BrokerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := routeTemplate(r)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.responseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
