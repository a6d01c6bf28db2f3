package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/RobPruzan/zenbu-daemon/pkg/launcher"
	"github.com/RobPruzan/zenbu-daemon/pkg/ledger"
)

// OrphanStore is the part of the ledger the sweeper uses
type OrphanStore interface {
	Orphans(ctx context.Context) ([]ledger.OrphanDir, error)
	MarkOrphanAttempt(ctx context.Context, path string, cause error) error
	ResolveOrphan(ctx context.Context, path string) error
}

// SweepResult counts what a sweep did
type SweepResult struct {
	Removed int
	Failed  int
}

// SweepOrphans retries removal of every queued directory. Directories
// that are already gone are resolved.
func SweepOrphans(ctx context.Context, store OrphanStore, logger *slog.Logger) (SweepResult, error) {
	var result SweepResult

	orphans, err := store.Orphans(ctx)
	if err != nil {
		return result, fmt.Errorf("sweep: %w", err)
	}

	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := os.RemoveAll(o.Path); err != nil {
			result.Failed++
			logger.Warn("orphaned directory still cannot be removed",
				"dir", o.Path,
				"attempts", o.Attempts+1,
				"error", launcher.ErrDirectoryCleanup(o.Path, err))
			if err := store.MarkOrphanAttempt(ctx, o.Path, err); err != nil {
				return result, fmt.Errorf("sweep: %w", err)
			}
			continue
		}

		if err := store.ResolveOrphan(ctx, o.Path); err != nil {
			return result, fmt.Errorf("sweep: %w", err)
		}
		result.Removed++
		logger.Info("removed orphaned directory", "dir", o.Path, "reason", o.Reason)
	}

	return result, nil
}
