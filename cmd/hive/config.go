package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"hive/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change hive's configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active configuration as YAML",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one configuration field and persist it to --config's path",
	Long: `Supported keys: default_profile, quota.license, model_router.base_url,
model_router.api_key, execution.auto_accept_low.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	logger.Info("setting config key", zap.String("key", key))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch strings.ToLower(key) {
	case "default_profile":
		if _, ok := cfg.Profiles[value]; !ok {
			return fmt.Errorf("unknown profile %q", value)
		}
		cfg.DefaultProfile = value
	case "quota.license":
		cfg.Quota.License = value
	case "model_router.base_url":
		cfg.ModelRouter.BaseURL = value
	case "model_router.api_key":
		cfg.ModelRouter.APIKey = value
	case "execution.auto_accept_low":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("auto_accept_low must be true/false: %w", err)
		}
		cfg.Execution.AutoAcceptLow = b
	default:
		return fmt.Errorf("unsupported config key %q", key)
	}

	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("set %s = %s\n", key, value)
	return nil
}
