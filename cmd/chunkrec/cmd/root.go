// Package cmd implements the CLI commands for chunkrec.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/chunkrec/internal/config"
	"github.com/jmylchreest/chunkrec/internal/observability"
	"github.com/jmylchreest/chunkrec/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// cfg is the loaded configuration, set before any command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "chunkrec",
	Short:   "Segmented video recorder",
	Version: version.Short(),
	Long: `chunkrec encodes raw video and writes it as a sequence of short,
independently finalized fragmented MP4 chunks, each announced as soon as it
is complete so it can be uploaded while the recording continues.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd.Root().PersistentFlags())
	}

	// Flags are not bound to viper. They override env/config values only
	// when explicitly set.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig reads the configuration and installs the default logger.
//
// Priority order (highest to lowest):
//  1. CLI flags, only if explicitly provided
//  2. Environment variables (CHUNKREC_LOGGING_LEVEL, ...)
//  3. Config file values
//  4. Built-in defaults
func loadConfig(flags *pflag.FlagSet) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if flags.Changed("log-level") {
		loaded.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		loaded.Logging.Format, _ = flags.GetString("log-format")
	}
	loaded.Logging.Level = strings.ToLower(loaded.Logging.Level)
	loaded.Logging.Format = strings.ToLower(loaded.Logging.Format)
	if loaded.Logging.Level == "warning" {
		loaded.Logging.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(loaded.Logging, os.Stderr)
	observability.SetDefault(logger.With(slog.String("app", "chunkrec")))

	cfg = loaded
	return nil
}
