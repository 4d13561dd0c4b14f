// Package metrics provides Prometheus instrumentation for veriforge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Verification pipeline metrics
	verificationTotal *prometheus.CounterVec
	jobOutcomeTotal   *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	publishTotal      *prometheus.CounterVec
)

// Init initializes the metrics system.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	// HTTP request counter
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTP request duration histogram
	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Verification intake counter
	verificationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_request_total",
			Help: "Total number of verification requests",
		},
		[]string{"result"},
	)

	// Terminal job outcome counter
	jobOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_job_outcome_total",
			Help: "Total number of verification jobs reaching a terminal status",
		},
		[]string{"status", "language"},
	)

	// Job duration histogram; compile-heavy, so coarse buckets up to minutes
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verification_job_duration_seconds",
			Help:    "End-to-end verification job duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"language"},
	)

	// Outcome publish counter
	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_publish_total",
			Help: "Total number of outcome notifications published",
		},
		[]string{"status"},
	)

	// Note: Go runtime metrics (goroutines, memory, GC) are automatically
	// collected by prometheus/client_golang - no custom collector needed
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}
