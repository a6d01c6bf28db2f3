package procmgr

import (
	"time"
)

// MetricsCollector defines the interface for collecting daemon metrics
type MetricsCollector interface {
	// SlotTransition records a warm slot state change
	SlotTransition(from, to string)

	// SpawnDuration records how long a spawn took to become ready
	SpawnDuration(role Role, template string, duration time.Duration, err error)

	// TerminationDuration records how long a termination took
	TerminationDuration(duration time.Duration, err error)

	// ProjectCreated records a create served from the warm slot or by direct spawn
	ProjectCreated(source string)

	// ProcessExited records a managed process exiting on its own
	ProcessExited(role Role)

	// ProcessCount records the number of tracked processes for a role
	ProcessCount(role Role, count int)

	// ReplenishBackoff records the delay before a replenish retry
	ReplenishBackoff(duration time.Duration)

	// ReconcileRun records the outcome of a reconcile pass
	ReconcileRun(adopted, dropped int, err error)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) SlotTransition(from, to string) {}
func (n *noopMetricsCollector) SpawnDuration(role Role, template string, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) TerminationDuration(duration time.Duration, err error) {}
func (n *noopMetricsCollector) ProjectCreated(source string)                          {}
func (n *noopMetricsCollector) ProcessExited(role Role)                               {}
func (n *noopMetricsCollector) ProcessCount(role Role, count int)                     {}
func (n *noopMetricsCollector) ReplenishBackoff(duration time.Duration)               {}
func (n *noopMetricsCollector) ReconcileRun(adopted, dropped int, err error)          {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
