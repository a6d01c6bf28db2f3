package warmpool

import (
	"log/slog"
	"time"

	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
)

// Config holds the warm pool settings
type Config struct {
	// ProjectsDir holds one working directory per instance
	ProjectsDir string

	// WarmTemplate is pre-spawned and used when a create names no template
	WarmTemplate string

	// Enabled turns warm replenishment on
	Enabled bool

	// GracePeriod is passed to termination
	GracePeriod time.Duration

	// BackoffBase and BackoffMax bound replenish retry delays
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// KillOnExit terminates every managed process on Close
	KillOnExit bool
}

// DefaultConfig returns the daemon defaults
func DefaultConfig() Config {
	return Config{
		ProjectsDir:  "./projects",
		WarmTemplate: "default",
		Enabled:      true,
		GracePeriod:  10 * time.Second,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   30 * time.Second,
	}
}

// Option configures the Manager
type Option func(*Manager)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc procmgr.MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = mc
	}
}

// WithLedger persists assignments and orphaned directories
func WithLedger(l Ledger) Option {
	return func(m *Manager) {
		m.ledger = l
	}
}

// WithLister sets the OS process lister used by reconcile
func WithLister(l procmgr.Lister) Option {
	return func(m *Manager) {
		m.lister = l
	}
}

// WithIDGenerator replaces the instance id generator
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}
