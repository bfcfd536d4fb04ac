// Package metrics exposes the build node's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker/task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnode_tasks_total",
			Help: "Total number of tasks processed by terminal status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildnode_task_duration_seconds",
			Help:    "Total wall-clock time for one task, from acquisition to cleanup",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		},
		[]string{"status"},
	)

	WorkersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnode_workers_alive",
			Help: "Number of worker goroutines currently alive",
		},
	)

	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnode_worker_restarts_total",
			Help: "Total number of times the node runtime replaced a dead worker",
		},
	)

	// Environment supervisor metrics
	EnvironmentsLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildnode_environments_leased",
			Help: "Number of environment leases currently held",
		},
	)

	EnvironmentSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildnode_environment_sweep_duration_seconds",
			Help:    "Time taken for one cleanup sweep of the environment store",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnvironmentsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnode_environments_expired_total",
			Help: "Total number of environments removed by the cleanup sweep",
		},
		[]string{"reason"},
	)

	DeadOwnerRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnode_dead_owner_recoveries_total",
			Help: "Total number of locks reclaimed from a dead owner process",
		},
	)

	// Master protocol metrics
	MasterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildnode_master_requests_total",
			Help: "Total number of master RPCs by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	MasterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildnode_master_request_duration_seconds",
			Help:    "Master RPC duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Upload metrics
	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnode_upload_bytes_total",
			Help: "Total number of artifact bytes uploaded to the object store",
		},
	)

	UploadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "buildnode_upload_failures_total",
			Help: "Total number of artifact upload failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TaskDuration,
		WorkersAlive,
		WorkerRestartsTotal,
		EnvironmentsLeased,
		EnvironmentSweepDuration,
		EnvironmentsExpiredTotal,
		DeadOwnerRecoveriesTotal,
		MasterRequestsTotal,
		MasterRequestDuration,
		UploadBytesTotal,
		UploadFailuresTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
