// Package metrics exposes the daemon's Prometheus instrumentation: counters
// and histograms updated inline by the pipeline components, gauges refreshed
// by a store-polling collector, and an HTTP exposition server gated by
// configuration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Arrival metrics
	FragmentsObserved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_fragments_observed_total",
			Help: "Total number of fragment arrivals recorded in the index",
		},
	)

	FragmentsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_fragments_rejected_total",
			Help: "Total number of fragment files rejected by validation",
		},
	)

	FragmentsUnassigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fringe_fragments_unassigned",
			Help: "Fragments observed but not yet assigned to a group",
		},
	)

	// Grouping metrics
	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fringe_groups",
			Help: "Observation groups by status",
		},
		[]string{"status"},
	)

	GroupsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_groups_completed_total",
			Help: "Total number of groups that reached completeness",
		},
	)

	GroupsStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_groups_stale_total",
			Help: "Total number of groups aged out while incomplete",
		},
	)

	AnomaliesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fringe_anomalies_recorded_total",
			Help: "Total anomalies recorded, by kind",
		},
		[]string{"kind"},
	)

	// Queue and worker metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fringe_jobs",
			Help: "Conversion jobs by state",
		},
		[]string{"state"},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_jobs_completed_total",
			Help: "Total number of conversion jobs completed",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_jobs_retried_total",
			Help: "Total number of conversion attempts scheduled for retry",
		},
	)

	JobsDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_jobs_dead_lettered_total",
			Help: "Total number of jobs parked for operator attention",
		},
	)

	LeasesLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_leases_lost_total",
			Help: "Total number of leases lost mid-execution",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fringe_job_duration_seconds",
			Help:    "Conversion job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// Registry metrics
	ProductsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fringe_products_total",
			Help: "Total number of registered conversion products",
		},
	)

	ProductsMissing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fringe_products_missing",
			Help: "Registered products whose artifact is currently missing",
		},
	)

	// Sweeper metrics
	SweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fringe_sweep_runs_total",
			Help: "Total number of reconciliation sweeps",
		},
	)

	SweepFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fringe_sweep_findings_total",
			Help: "Total sweep findings, by kind",
		},
		[]string{"kind"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fringe_sweep_duration_seconds",
			Help:    "Reconciliation sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(FragmentsObserved)
	prometheus.MustRegister(FragmentsRejected)
	prometheus.MustRegister(FragmentsUnassigned)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(GroupsCompleted)
	prometheus.MustRegister(GroupsStale)
	prometheus.MustRegister(AnomaliesRecorded)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsDeadLettered)
	prometheus.MustRegister(LeasesLost)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ProductsTotal)
	prometheus.MustRegister(ProductsMissing)
	prometheus.MustRegister(SweepRuns)
	prometheus.MustRegister(SweepFindings)
	prometheus.MustRegister(SweepDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
