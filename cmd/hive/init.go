package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hive/internal/config"
	"hive/internal/store"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create hive's on-disk knowledge store and config, if they do not already exist",
	Long: `Creates the Knowledge Store database (running its migrations) and writes a
default config.yaml at --config's path, unless one already exists.

Run this once before the first 'hive ask' in a new environment.`,
	RunE: runInitCmd,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing config.yaml with defaults")
}

func runInitCmd(cmd *cobra.Command, args []string) error {
	logger.Info("initializing hive environment", zap.String("config_path", configPath), zap.Bool("force", forceInit))
	if _, err := os.Stat(configPath); err == nil && !forceInit {
		fmt.Printf("config already exists at %s (use --force to overwrite)\n", configPath)
	} else {
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		fmt.Printf("wrote default config to %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("initialize knowledge store at %s: %w", cfg.Store.Path, err)
	}
	defer st.Close()

	fmt.Printf("knowledge store ready at %s\n", st.Path())
	return nil
}
