package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	ClustersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rke2d_clusters_total",
			Help: "Total number of managed clusters",
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rke2d_nodes_total",
			Help: "Total number of nodes by role and status",
		},
		[]string{"role", "status"},
	)

	// Job metrics
	JobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rke2d_jobs_started_total",
			Help: "Total number of jobs started by kind",
		},
		[]string{"kind"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rke2d_jobs_completed_total",
			Help: "Total number of jobs completed by kind and status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rke2d_job_duration_seconds",
			Help:    "Job wall-clock duration in seconds by kind",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"kind"},
	)

	// Lock metrics
	LockConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rke2d_lock_conflicts_total",
			Help: "Total number of operations rejected because the cluster lock was held",
		},
	)

	StaleLocksReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rke2d_stale_locks_reconciled_total",
			Help: "Total number of orphaned locks released at startup",
		},
	)

	// Guardrail metrics
	GuardrailRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rke2d_guardrail_rejections_total",
			Help: "Total number of requests rejected by guardrail checks",
		},
		[]string{"check"},
	)

	// Streaming metrics
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rke2d_stream_subscribers",
			Help: "Current number of job output stream subscribers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rke2d_api_requests_total",
			Help: "Total number of API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rke2d_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(JobsStarted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(LockConflicts)
	prometheus.MustRegister(StaleLocksReconciled)
	prometheus.MustRegister(GuardrailRejections)
	prometheus.MustRegister(StreamSubscribers)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
