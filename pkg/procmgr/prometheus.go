package procmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	// Warm slot metrics
	slotTransitions  *prometheus.CounterVec
	replenishBackoff prometheus.Histogram

	// Process metrics
	spawnDuration       *prometheus.HistogramVec
	terminationDuration *prometheus.HistogramVec
	projectsCreated     *prometheus.CounterVec
	exits               *prometheus.CounterVec
	processes           *prometheus.GaugeVec

	// Reconcile metrics
	reconcileRuns    *prometheus.CounterVec
	reconcileChanges *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
// on a private registry that also carries the Go and process collectors.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "zenbu"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.slotTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warm_slot_transitions_total",
			Help:      "Total number of warm slot state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	pmc.replenishBackoff = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "warm_replenish_backoff_seconds",
			Help:      "Backoff delays before warm replenish retries",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	pmc.spawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "spawn_duration_seconds",
			Help:      "Time from spawn to dev server readiness",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"role", "template", "status"},
	)

	pmc.terminationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "termination_duration_seconds",
			Help:      "Duration of process termination operations",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pmc.projectsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projects_created_total",
			Help:      "Total number of projects created, by source (warm or direct)",
		},
		[]string{"source"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_unexpected_exits_total",
			Help:      "Total number of managed processes that exited on their own",
		},
		[]string{"role"},
	)

	pmc.processes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes",
			Help:      "Number of tracked managed processes",
		},
		[]string{"role"},
	)

	pmc.reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Total number of reconcile passes",
		},
		[]string{"status"},
	)

	pmc.reconcileChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_changes_total",
			Help:      "Processes adopted or dropped by reconcile",
		},
		[]string{"change"},
	)

	pmc.registry.MustRegister(
		pmc.slotTransitions,
		pmc.replenishBackoff,
		pmc.spawnDuration,
		pmc.terminationDuration,
		pmc.projectsCreated,
		pmc.exits,
		pmc.processes,
		pmc.reconcileRuns,
		pmc.reconcileChanges,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return pmc
}

// SlotTransition records a warm slot state change
func (pmc *PrometheusMetricsCollector) SlotTransition(from, to string) {
	pmc.slotTransitions.WithLabelValues(from, to).Inc()
}

// SpawnDuration records how long a spawn took to become ready
func (pmc *PrometheusMetricsCollector) SpawnDuration(role Role, template string, duration time.Duration, err error) {
	pmc.spawnDuration.WithLabelValues(
		role.String(),
		template,
		status(err),
	).Observe(duration.Seconds())
}

// TerminationDuration records how long a termination took
func (pmc *PrometheusMetricsCollector) TerminationDuration(duration time.Duration, err error) {
	pmc.terminationDuration.WithLabelValues(status(err)).Observe(duration.Seconds())
}

// ProjectCreated records a create served from the warm slot or by direct spawn
func (pmc *PrometheusMetricsCollector) ProjectCreated(source string) {
	pmc.projectsCreated.WithLabelValues(source).Inc()
}

// ProcessExited records a managed process exiting on its own
func (pmc *PrometheusMetricsCollector) ProcessExited(role Role) {
	pmc.exits.WithLabelValues(role.String()).Inc()
}

// ProcessCount records the number of tracked processes for a role
func (pmc *PrometheusMetricsCollector) ProcessCount(role Role, count int) {
	pmc.processes.WithLabelValues(role.String()).Set(float64(count))
}

// ReplenishBackoff records the delay before a replenish retry
func (pmc *PrometheusMetricsCollector) ReplenishBackoff(duration time.Duration) {
	pmc.replenishBackoff.Observe(duration.Seconds())
}

// ReconcileRun records the outcome of a reconcile pass
func (pmc *PrometheusMetricsCollector) ReconcileRun(adopted, dropped int, err error) {
	pmc.reconcileRuns.WithLabelValues(status(err)).Inc()
	pmc.reconcileChanges.WithLabelValues("adopted").Add(float64(adopted))
	pmc.reconcileChanges.WithLabelValues("dropped").Add(float64(dropped))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
