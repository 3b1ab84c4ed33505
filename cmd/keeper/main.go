package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"contextkeeper/internal/config"
)

var (
	configPath string
	verbose    bool

	// logger carries process-level events (startup, shutdown, fatal
	// config errors). Subsystem logging goes to the category files.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "keeper",
	Short: "contextkeeper - per-project development context daemon",
	Long: `contextkeeper indexes project trees into per-project vector
collections, answers semantic queries over them, guards approved plans
behind two-factor approval, and measures how recent work lines up with
those plans.

Run "keeper serve" to start the daemon, then point your tools at the
HTTP API (default 127.0.0.1:5556).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".contextkeeper", "config.yaml")
}

// loadConfig reads the YAML config with environment overrides and applies
// CLI flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Enabled = true
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Force debug-level logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(plansCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
