package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/agrolens/internal/config"
	"github.com/rewired-gh/agrolens/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "agrolens",
	Short:        "Environmental sensor analysis with a local LLM",
	Long:         "Fetches sensor snapshots, stores them and asks an Ollama model for an agronomic report.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		logger.Init(cfg.Logging.Level, cfg.Logging.Format)
		if cfgFile != "" {
			logger.Info("Configuration loaded from %s", cfgFile)
		}
		return nil
	},
}

func execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("%v", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (defaults and environment when empty)")
}
