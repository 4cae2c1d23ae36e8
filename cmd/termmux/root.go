package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/acolita/termmux/internal/config"
)

var (
	// Global flags.
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "termmux",
	Short: "Terminal multiplexer for local shells and SSH sessions",
	Long: `termmux runs local shells and SSH sessions as tabs behind a single terminal.

Press the prefix key (Ctrl-B by default) followed by:
  c  new local tab        r  new remote tab
  n  next tab             p  previous tab
  x  close tab            q  quit
  1-9  inject saved command
  [ ]  start/end selection, y copy it`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", envOrDefault("TERMMUX_CONFIG", config.DefaultConfigPath()), "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "log at debug level")
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadConfig reads and validates the configuration file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
