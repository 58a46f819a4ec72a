package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/kredo/internal/config"
	"github.com/yairfalse/kredo/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	logPretty  bool

	// cfg is loaded once before any subcommand runs
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "kredo",
		Short: "Multi-touch attribution engine",
		Long: `Kredo - Multi-touch attribution engine

Kredo records the touchpoints of a customer journey, and when a conversion
arrives it decides which agency gets credit and how much. Every decision is
committed with its breakdown, confidence and release advisory, and kept in
an audit trail.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Kredo {{.Version}} - Multi-touch attribution engine
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "Human readable log output")
}

// loadConfig reads the config file, or defaults when none is given
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(configPath); err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logPretty {
		cfg.Log.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	telemetry.Configure(cfg.Log.Level, cfg.Log.Pretty)
	return nil
}
