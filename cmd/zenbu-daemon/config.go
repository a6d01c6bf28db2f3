package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/RobPruzan/zenbu-daemon/pkg/portalloc"
)

// Config holds the daemon configuration
type Config struct {
	Listen string

	PortBase   int
	PortWindow int

	TemplatesDir   string
	WarmTemplate   string
	WatchTemplates bool

	ProjectsDir string
	LogDir      string
	GracePeriod time.Duration

	WarmPoolEnabled bool
	BackoffBase     time.Duration
	BackoffMax      time.Duration

	RegistrySource    string
	ReconcileInterval time.Duration

	LedgerPath    string
	SweepInterval time.Duration

	LogLevel  string
	LogFormat string

	KillOnExit bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:7777")
	v.SetDefault("ports.base", portalloc.DefaultBase)
	v.SetDefault("ports.window", portalloc.DefaultWindow)
	v.SetDefault("templates.dir", "./templates")
	v.SetDefault("templates.warm", "default")
	v.SetDefault("templates.watch", true)
	v.SetDefault("projects.dir", "./projects")
	v.SetDefault("spawn.log_dir", "./.zenbu/logs")
	v.SetDefault("spawn.grace_period", 10*time.Second)
	v.SetDefault("warm_pool.enabled", true)
	v.SetDefault("warm_pool.backoff_base", 500*time.Millisecond)
	v.SetDefault("warm_pool.backoff_max", 30*time.Second)
	v.SetDefault("registry.source", "auto")
	v.SetDefault("registry.reconcile_interval", 30*time.Second)
	v.SetDefault("ledger.path", "./.zenbu/daemon.db")
	v.SetDefault("ledger.sweep_interval", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("kill_on_exit", false)
}

// LoadConfig reads and validates configuration from v
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Listen:            v.GetString("server.listen"),
		PortBase:          v.GetInt("ports.base"),
		PortWindow:        v.GetInt("ports.window"),
		TemplatesDir:      v.GetString("templates.dir"),
		WarmTemplate:      v.GetString("templates.warm"),
		WatchTemplates:    v.GetBool("templates.watch"),
		ProjectsDir:       v.GetString("projects.dir"),
		LogDir:            v.GetString("spawn.log_dir"),
		GracePeriod:       v.GetDuration("spawn.grace_period"),
		WarmPoolEnabled:   v.GetBool("warm_pool.enabled"),
		BackoffBase:       v.GetDuration("warm_pool.backoff_base"),
		BackoffMax:        v.GetDuration("warm_pool.backoff_max"),
		RegistrySource:    strings.ToLower(v.GetString("registry.source")),
		ReconcileInterval: v.GetDuration("registry.reconcile_interval"),
		LedgerPath:        v.GetString("ledger.path"),
		SweepInterval:     v.GetDuration("ledger.sweep_interval"),
		LogLevel:          strings.ToLower(v.GetString("log.level")),
		LogFormat:         strings.ToLower(v.GetString("log.format")),
		KillOnExit:        v.GetBool("kill_on_exit"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	if c.PortBase < 1 || c.PortBase > 65535 {
		return fmt.Errorf("ports.base must be between 1 and 65535, got %d", c.PortBase)
	}
	if c.PortWindow < 1 {
		return fmt.Errorf("ports.window must be positive, got %d", c.PortWindow)
	}
	if c.WarmTemplate == "" {
		return fmt.Errorf("templates.warm is required")
	}
	if c.ProjectsDir == "" {
		return fmt.Errorf("projects.dir is required")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("spawn.grace_period must be positive, got %s", c.GracePeriod)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("warm_pool backoff must satisfy 0 < backoff_base <= backoff_max, got %s and %s",
			c.BackoffBase, c.BackoffMax)
	}
	switch c.RegistrySource {
	case "auto", "ps", "procfs":
	default:
		return fmt.Errorf("registry.source must be 'auto', 'ps' or 'procfs', got %q", c.RegistrySource)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got %q", c.LogFormat)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return level, nil
}

// newLogger builds the daemon logger from the log.* settings
func newLogger(c *Config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
