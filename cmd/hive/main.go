// Package main is the hive CLI entry point and command registration hub,
// grounded on the teacher's cmd/nerd/main.go: a rootCmd with global
// persistent flags, a PersistentPreRunE that boots zap + the file-based
// category logger, and one cobra.Command per subcommand split across
// cmd_*.go-style files (ask.go, init.go, config.go, replay.go here).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hive/internal/logging"
)

var (
	verbose    bool
	workspace  string
	configPath string
	profileID  string
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "hive - a multi-model consensus engine for code changes",
	Long: `hive runs every non-trivial query through a four-stage consensus
pipeline (Generator -> Refiner -> Validator -> Curator) before any change
touches disk, and short-circuits straight to the Execution Engine for
simple, single-file operations.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws, logging.Config{DebugMode: verbose}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".hive", "config.yaml")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to hive's YAML config")
	rootCmd.PersistentFlags().StringVar(&profileID, "profile", "", "consensus profile id (default: config's default_profile)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall operation timeout")

	rootCmd.AddCommand(askCmd, initCmd, configCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
