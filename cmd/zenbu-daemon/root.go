package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "zenbu-daemon",
	Short: "Warm-pool dev server process manager",
	Long: `zenbu-daemon spawns and tracks development servers for projects.

One dev server is kept warm so that creating a project hands out an
already-listening server. Projects are managed over a local HTTP API:

  GET    /projects          list projects
  POST   /projects          create a project
  DELETE /projects/:name    stop a project and remove its directory

Configuration is read from flags, ZENBU_* environment variables, an
optional .env file and an optional YAML file given with --config.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("ledger", "./.zenbu/daemon.db", "Ledger database path")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("ledger.path", rootCmd.PersistentFlags().Lookup("ledger"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(sweepCmd)
}

// initConfig layers .env, the config file and ZENBU_* variables under flags
func initConfig(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return configureViper(viper.GetViper(), cfgFile)
}

func configureViper(v *viper.Viper, file string) error {
	setDefaults(v)

	v.SetEnvPrefix("ZENBU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		return nil
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", file, err)
	}
	return nil
}
