// Command clashd drives the clashd27 discovery scheduler.
package main

import (
	"fmt"
	"os"

	"clashd27/internal/config"
	"clashd27/internal/logging"
	"clashd27/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dataDir    string

	// Logger
	logger *zap.Logger

	// Loaded by PersistentPreRunE
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "clashd",
	Short: "clashd27 - cross-layer research gap scheduler",
	Long: `clashd27 moves simulated research agents across a 27-cell grid, pairs
agents whose home cells sit in different layers and runs every promising
pair through a budgeted screen → discover → deep-dive → verify → validate →
publish pipeline.

Every state change is persisted as JSON under the data directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		if err := store.Dir(cfg.DataDir).Ensure(); err != nil {
			return err
		}
		if err := logging.Initialize(cfg.DataDir, cfg.Logging.Options()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if err := logging.InitAudit(); err != nil {
			logger.Warn("audit trail unavailable", zap.Error(err))
		}
		logging.Boot("clashd %s: config %s, data dir %s", cmd.Name(), configPath, cfg.DataDir)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		c.DataDir = dataDir
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return c, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "clashd.yaml", "Config file")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (overrides config)")

	gapsCmd.AddCommand(gapsListCmd)
	gapsCmd.AddCommand(gapsSetStatusCmd)
	breakerCmd.AddCommand(breakerResetCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(gapsCmd)
	rootCmd.AddCommand(breakerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
