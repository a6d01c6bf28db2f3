package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RobPruzan/zenbu-daemon/pkg/ledger"
	"github.com/RobPruzan/zenbu-daemon/pkg/maintenance"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry removal of project directories that could not be deleted",
	Long: `Remove project directories queued in the ledger after a failed delete.
The running daemon does this periodically; this command runs one pass now.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().Bool("dry-run", false, "List queued directories without removing them")
}

func runSweep(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)

	ctx := context.Background()
	store, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()

	if dryRun {
		orphans, err := store.Orphans(ctx)
		if err != nil {
			return err
		}
		for _, o := range orphans {
			fmt.Fprintf(out, "%s\t%s\tattempts=%d\n", o.Path, o.Reason, o.Attempts)
		}
		fmt.Fprintf(out, "%d directories queued\n", len(orphans))
		return nil
	}

	result, err := maintenance.SweepOrphans(ctx, store, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d, still failing %d\n", result.Removed, result.Failed)
	return nil
}
