package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RobPruzan/zenbu-daemon/pkg/api"
	"github.com/RobPruzan/zenbu-daemon/pkg/launcher"
	"github.com/RobPruzan/zenbu-daemon/pkg/ledger"
	"github.com/RobPruzan/zenbu-daemon/pkg/maintenance"
	"github.com/RobPruzan/zenbu-daemon/pkg/portalloc"
	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
	"github.com/RobPruzan/zenbu-daemon/pkg/warmpool"
)

const (
	shutdownTimeout = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon and its HTTP API",
	Long: `Run the daemon: adopt dev servers left by an earlier run, keep one warm
instance ready and serve the project API.

Dev servers keep running when the daemon stops unless --kill-on-exit is set.

Example:
  zenbu-daemon serve
  zenbu-daemon serve --listen 127.0.0.1:7777 --templates-dir ./templates --warm-template vite
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:7777", "HTTP listen address")
	serveCmd.Flags().Int("port-base", portalloc.DefaultBase, "First dev server port")
	serveCmd.Flags().Int("port-window", portalloc.DefaultWindow, "Number of dev server ports to scan")
	serveCmd.Flags().String("templates-dir", "./templates", "Templates directory")
	serveCmd.Flags().String("warm-template", "default", "Template kept warm")
	serveCmd.Flags().Bool("watch-templates", true, "Reload templates when they change")
	serveCmd.Flags().String("projects-dir", "./projects", "Directory holding project working directories")
	serveCmd.Flags().Bool("warm-pool", true, "Keep a warm dev server ready")
	serveCmd.Flags().String("registry-source", "auto", "OS process listing source (auto, ps, procfs)")
	serveCmd.Flags().Bool("kill-on-exit", false, "Terminate all dev servers when the daemon stops")

	viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("ports.base", serveCmd.Flags().Lookup("port-base"))
	viper.BindPFlag("ports.window", serveCmd.Flags().Lookup("port-window"))
	viper.BindPFlag("templates.dir", serveCmd.Flags().Lookup("templates-dir"))
	viper.BindPFlag("templates.warm", serveCmd.Flags().Lookup("warm-template"))
	viper.BindPFlag("templates.watch", serveCmd.Flags().Lookup("watch-templates"))
	viper.BindPFlag("projects.dir", serveCmd.Flags().Lookup("projects-dir"))
	viper.BindPFlag("warm_pool.enabled", serveCmd.Flags().Lookup("warm-pool"))
	viper.BindPFlag("registry.source", serveCmd.Flags().Lookup("registry-source"))
	viper.BindPFlag("kill_on_exit", serveCmd.Flags().Lookup("kill-on-exit"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := procmgr.NewPrometheusMetricsCollector("zenbu")

	templates := launcher.NewRegistry(cfg.TemplatesDir, log)
	if err := templates.Discover(); err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	if _, ok := templates.Get(cfg.WarmTemplate); !ok {
		return launcher.ErrTemplateNotFound(cfg.WarmTemplate, cfg.TemplatesDir)
	}

	store, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	lister, err := procmgr.NewLister(cfg.RegistrySource, log)
	if err != nil {
		return err
	}

	spawner := launcher.NewSpawner(templates,
		launcher.WithLogger(log),
		launcher.WithMetricsCollector(metrics),
		launcher.WithLogDir(cfg.LogDir))

	pool := warmpool.New(warmpool.Config{
		ProjectsDir:  cfg.ProjectsDir,
		WarmTemplate: cfg.WarmTemplate,
		Enabled:      cfg.WarmPoolEnabled,
		GracePeriod:  cfg.GracePeriod,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		KillOnExit:   cfg.KillOnExit,
	}, spawner, portalloc.New(cfg.PortBase, cfg.PortWindow),
		warmpool.WithLogger(log),
		warmpool.WithMetricsCollector(metrics),
		warmpool.WithLedger(store),
		warmpool.WithLister(lister))

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start warm pool: %w", err)
	}

	if cfg.WatchTemplates {
		watcher, err := launcher.NewWatcher(templates, launcher.DefaultDebounce, log)
		if err != nil {
			log.Warn("template hot reload disabled", "error", err)
		} else {
			defer watcher.Close()
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("template watcher stopped", "error", err)
				}
			}()
		}
	}

	sched, err := maintenance.NewScheduler(maintenance.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		SweepInterval:     cfg.SweepInterval,
	}, pool, store, log)
	if err != nil {
		return err
	}
	sched.Start()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	srv := api.NewServer(pool,
		api.WithLogger(log),
		api.WithMetricsRegistry(metrics.Registry()))

	log.Info("zenbu-daemon started",
		"listen", ln.Addr().String(),
		"templates", templates.Count(),
		"warm_template", cfg.WarmTemplate,
		"warm_pool", cfg.WarmPoolEnabled,
		"ports", fmt.Sprintf("%d-%d", cfg.PortBase, cfg.PortBase+cfg.PortWindow-1),
		"ledger", store.Path())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down", "signal", sig.String())
	case serveErr = <-errChan:
		log.Error("HTTP server stopped", "error", serveErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down HTTP server", "error", err)
	}
	if err := sched.Stop(); err != nil {
		log.Error("failed to stop scheduler", "error", err)
	}
	cancel()
	if err := pool.Close(shutdownCtx); err != nil {
		log.Error("failed to close warm pool", "error", err)
	}

	log.Info("zenbu-daemon stopped")
	return serveErr
}
