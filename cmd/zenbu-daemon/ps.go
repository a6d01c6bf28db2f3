package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List managed dev servers from the OS process table",
	Long: `List every running dev server carrying a zenbu title tag. This reads
the OS process table directly and works whether or not the daemon is running.`,
	RunE: runPS,
}

func init() {
	psCmd.Flags().String("source", "", "Listing source (auto, ps, procfs); defaults to registry.source")
	psCmd.Flags().Bool("json", false, "Print JSON")
}

// psSource returns --source when given and the configured source otherwise
func psSource(cmd *cobra.Command, cfg *Config) string {
	if cmd.Flags().Changed("source") {
		source, _ := cmd.Flags().GetString("source")
		return source
	}
	return cfg.RegistrySource
}

func runPS(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	log := newLogger(cfg, os.Stderr)

	lister, err := procmgr.NewLister(psSource(cmd, cfg), log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	procs, err := lister.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		rows := make([]map[string]any, 0, len(procs))
		for _, p := range procs {
			rows = append(rows, map[string]any{
				"pid":         p.PID,
				"instance_id": p.InstanceID,
				"role":        p.Role.String(),
				"name":        p.Name,
				"port":        p.Port,
				"cwd":         p.Dir,
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tINSTANCE\tROLE\tNAME\tPORT\tCWD")
	for _, p := range procs {
		name := p.Name
		if name == "" {
			name = "-"
		}
		dir := p.Dir
		if dir == "" {
			dir = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", p.PID, p.InstanceID, p.Role, name, p.Port, dir)
	}
	return tw.Flush()
}
