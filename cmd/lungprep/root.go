package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lungprep/pkg/config"
	"lungprep/pkg/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lungprep",
	Short: "CT lung segmentation and normalization pipeline",
	Long: `lungprep prepares chest CT scans for downstream models.

For every series in a metadata table it segments the lungs, masks everything
else to air, clamps and resamples the volume to a common spacing and caches
the result as a compressed .npz archive.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	// Create context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Run 'lungprep -h' for help")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lungprep.yml", "Path to a YAML or TOML config file")

	rootCmd.Version = versionString()
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.AddCommand(
		newRunCmd(),
		newSegmentCmd(),
		newStatsCmd(),
		newInitConfigCmd(),
	)
}

// loadConfig reads and validates the config selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// newLogger builds the process logger; --verbose forces debug output.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(verbose || (cfg != nil && cfg.Logging.Debug))
}
