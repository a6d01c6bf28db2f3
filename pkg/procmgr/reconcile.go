package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ReconcileOptions supplies what the OS listing cannot tell us
type ReconcileOptions struct {
	// Assignments maps instance id to project name for warm-tagged
	// processes that were handed to a project by an earlier daemon run.
	Assignments map[string]string

	// DirFor fills in the working directory when the lister cannot.
	DirFor func(instanceID string) string

	// Template is recorded on adopted processes.
	Template string

	Logger *slog.Logger
}

// ReconcileResult describes what Reconcile changed in the table
type ReconcileResult struct {
	Listed    int
	Adopted   []ManagedProcess
	Dropped   []ManagedProcess
	ExtraWarm []ManagedProcess
}

// Reconcile brings the table in line with the OS listing. Rows sharing an
// instance id are collapsed to the group leader first. Tagged processes
// missing from the table are adopted; adopted entries whose process is gone
// are dropped. Entries spawned by this daemon are left to their exit
// watchers. Warm instances beyond the oldest are returned in ExtraWarm and
// left in the table for the caller to terminate.
func Reconcile(ctx context.Context, lister Lister, table *Table, opts ReconcileOptions) (ReconcileResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	listed, err := lister.ListManaged(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}
	listed = Leaders(listed)

	result := ReconcileResult{Listed: len(listed)}
	alive := make(map[string]int, len(listed))

	for _, p := range listed {
		alive[p.InstanceID] = p.PID

		if _, ok := table.Get(p.InstanceID); ok {
			continue
		}

		if p.Role == RoleWarm {
			if name, ok := opts.Assignments[p.InstanceID]; ok {
				p.Role = RoleAssigned
				p.Name = name
			}
		}
		if p.Dir == "" && opts.DirFor != nil {
			p.Dir = opts.DirFor(p.InstanceID)
		}
		if p.Template == "" {
			p.Template = opts.Template
		}

		if err := table.Adopt(p); err != nil {
			if !errors.Is(err, ErrDuplicateInstance) {
				logger.Warn("cannot adopt process", "pid", p.PID, "instance", p.InstanceID, "error", err)
			}
			continue
		}
		logger.Info("adopted process", "pid", p.PID, "instance", p.InstanceID, "name", p.Name, "port", p.Port, "role", p.Role.String())
		result.Adopted = append(result.Adopted, p)
	}

	for _, p := range table.Snapshot() {
		if p.Spawned() {
			continue
		}
		if pid, ok := alive[p.InstanceID]; ok && pid == p.PID {
			continue
		}
		if removed, ok := table.RemoveExited(p.InstanceID, p.PID); ok {
			logger.Info("dropped vanished process", "pid", removed.PID, "instance", removed.InstanceID, "name", removed.Name)
			result.Dropped = append(result.Dropped, removed)
		}
	}

	if warm := table.ByRole(RoleWarm); len(warm) > 1 {
		result.ExtraWarm = append(result.ExtraWarm, warm[1:]...)
	}

	return result, nil
}
