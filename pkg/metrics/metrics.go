package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bay_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_sessions_started_total",
			Help: "Total number of sessions started by outcome",
		},
		[]string{"outcome"},
	)

	SessionStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bay_session_start_duration_seconds",
			Help:    "Time from session request to all containers healthy",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bay_sessions_active",
			Help: "Number of sessions currently running",
		},
	)

	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_executions_total",
			Help: "Total number of capability executions by type and outcome",
		},
		[]string{"exec_type", "outcome"},
	)

	// GC metrics
	GCCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bay_gc_cycles_total",
			Help: "Total number of completed GC cycles",
		},
	)

	GCCleanedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_gc_cleaned_total",
			Help: "Total number of resources cleaned by GC task",
		},
		[]string{"task"},
	)

	GCErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bay_gc_errors_total",
			Help: "Total number of GC task errors",
		},
		[]string{"task"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SessionsStarted)
	prometheus.MustRegister(SessionStartDuration)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(GCCyclesTotal)
	prometheus.MustRegister(GCCleanedTotal)
	prometheus.MustRegister(GCErrorsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
