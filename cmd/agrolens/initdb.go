package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/agrolens/internal/logger"
	"github.com/rewired-gh/agrolens/internal/storage"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.New(cmd.Context(), cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("Schema ready (%s, %d snapshots, %d results)", cfg.Storage.Driver, stats.Snapshots, stats.Results)
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "database schema initialized: %s\n", cfg.Storage.DSN)
		return err
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
