// Package maintenance runs the daemon's periodic housekeeping: reconciling
// the process table against the OS and sweeping project directories whose
// removal failed.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
)

// Reconciler brings the process table in line with the OS
type Reconciler interface {
	Reconcile(ctx context.Context) (procmgr.ReconcileResult, error)
}

// Config sets the job intervals. A zero interval disables the job.
type Config struct {
	ReconcileInterval time.Duration
	SweepInterval     time.Duration
}

// Scheduler wraps gocron for the maintenance jobs
type Scheduler struct {
	scheduler  gocron.Scheduler
	reconciler Reconciler
	store      OrphanStore
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler with the configured jobs registered.
// Either reconciler or store may be nil to skip its job.
func NewScheduler(cfg Config, reconciler Reconciler, store OrphanStore, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := &Scheduler{
		scheduler:  s,
		reconciler: reconciler,
		store:      store,
		logger:     logger.With("component", "maintenance"),
		ctx:        ctx,
		cancel:     cancel,
	}

	if reconciler != nil && cfg.ReconcileInterval > 0 {
		if err := sched.schedule("reconcile", cfg.ReconcileInterval, sched.runReconcile); err != nil {
			cancel()
			return nil, err
		}
	}
	if store != nil && cfg.SweepInterval > 0 {
		if err := sched.schedule("orphan-sweep", cfg.SweepInterval, sched.runSweep); err != nil {
			cancel()
			return nil, err
		}
	}

	return sched, nil
}

func (s *Scheduler) schedule(name string, interval time.Duration, task func()) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s job: %w", name, err)
	}
	s.logger.Debug("scheduled maintenance job", "job", name, "interval", interval)
	return nil
}

// Jobs returns the names of the registered jobs
func (s *Scheduler) Jobs() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

// Start begins running jobs
func (s *Scheduler) Start() {
	s.logger.Info("starting maintenance scheduler", "jobs", s.Jobs())
	s.scheduler.Start()
}

// Stop cancels running jobs and shuts the scheduler down
func (s *Scheduler) Stop() error {
	s.logger.Info("stopping maintenance scheduler")
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) runReconcile() {
	result, err := s.reconciler.Reconcile(s.ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("scheduled reconcile failed", "error", err)
		}
		return
	}
	if len(result.Adopted) > 0 || len(result.Dropped) > 0 || len(result.ExtraWarm) > 0 {
		s.logger.Info("scheduled reconcile changed the process table",
			"adopted", len(result.Adopted),
			"dropped", len(result.Dropped),
			"extra_warm", len(result.ExtraWarm))
	}
}

func (s *Scheduler) runSweep() {
	if _, err := SweepOrphans(s.ctx, s.store, s.logger); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("orphan sweep failed", "error", err)
	}
}
