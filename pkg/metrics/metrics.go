package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker state metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maelstrom_workers_total",
			Help: "Total number of connected workers",
		},
		[]string{"status"},
	)

	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_clients_connected",
			Help: "Total number of connected clients",
		},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maelstrom_jobs_total",
			Help: "Total number of jobs tracked by the broker, by status",
		},
		[]string{"status"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maelstrom_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal outcome, by kind",
		},
		[]string{"outcome"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maelstrom_dispatch_latency_seconds",
			Help:    "Time from a job becoming Ready to being Assigned",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker slot metrics
	SlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_slots_total",
			Help: "Total execution slots on this worker",
		},
	)

	SlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_slots_in_use",
			Help: "Execution slots currently holding a job",
		},
	)

	JobExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maelstrom_job_execution_duration_seconds",
			Help:    "Wall-clock duration of executed jobs",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache metrics
	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_cache_bytes",
			Help: "Total bytes currently resident in the artifact cache",
		},
	)

	CacheEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maelstrom_cache_entries_total",
			Help: "Artifact cache entries by state",
		},
		[]string{"state"},
	)

	CacheFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maelstrom_cache_fetches_total",
			Help: "Artifact fetch attempts by result",
		},
		[]string{"result"},
	)

	CacheFetchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_cache_fetches_inflight",
			Help: "Artifact fetches currently in flight",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maelstrom_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		ClientsConnected,
		JobsTotal,
		JobsCompletedTotal,
		DispatchLatency,
		SlotsTotal,
		SlotsInUse,
		JobExecutionDuration,
		CacheBytes,
		CacheEntriesTotal,
		CacheFetchesTotal,
		CacheFetchesInFlight,
		CacheEvictionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
