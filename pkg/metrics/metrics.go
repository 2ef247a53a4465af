// Package metrics exposes fleetd's Prometheus metrics: package-level vars
// registered once in init, plus a Timer helper — gauges for connection
// health and queue depth, counters for reconciliation cycles and job
// outcomes, histograms for poll/report/reconciliation/job durations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection health
	ConnectionOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_connection_online",
			Help: "Whether the device currently considers itself online (1 = online, 0 = not)",
		},
	)

	PollSuccessRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_poll_success_rate",
			Help: "Success rate of target-state polls since startup",
		},
	)

	ReportSuccessRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_report_success_rate",
			Help: "Success rate of state reports since startup",
		},
	)

	// Offline queue
	OfflineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_offline_queue_depth",
			Help: "Number of state reports currently held in the offline queue",
		},
	)

	OfflineQueueDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_offline_queue_dropped_total",
			Help: "Total number of queued reports dropped because the queue was at capacity",
		},
	)

	// Sync engine
	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_poll_duration_seconds",
			Help:    "Time taken to poll target state from the cloud",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_report_duration_seconds",
			Help:    "Time taken to send a state report",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ServicesUnhealthyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_services_unhealthy_total",
			Help: "Total number of times a service crossed the consecutive-failure unhealthy threshold",
		},
	)

	// Jobs
	JobExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_job_executions_total",
			Help: "Total number of job executions by terminal status",
		},
		[]string{"status"},
	)

	JobExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_job_execution_duration_seconds",
			Help:    "Time taken to execute a job from IN_PROGRESS to a terminal status",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Features
	FeatureStartFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_feature_start_failures_total",
			Help: "Total number of feature start failures by feature name",
		},
		[]string{"feature"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionOnline)
	prometheus.MustRegister(PollSuccessRate)
	prometheus.MustRegister(ReportSuccessRate)
	prometheus.MustRegister(OfflineQueueDepth)
	prometheus.MustRegister(OfflineQueueDroppedTotal)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(ReportDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ServicesUnhealthyTotal)
	prometheus.MustRegister(JobExecutionsTotal)
	prometheus.MustRegister(JobExecutionDuration)
	prometheus.MustRegister(FeatureStartFailuresTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
