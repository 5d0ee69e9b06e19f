package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var runModel string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one analysis run and print the outcome as JSON",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		outcome, err := a.pipeline.Run(cmd.Context(), runModel)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(outcome); err != nil {
			return fmt.Errorf("failed to write outcome: %w", err)
		}
		return nil
	}),
}

func init() {
	runCmd.Flags().StringVar(&runModel, "model", "", "Model to use instead of the configured one")
	rootCmd.AddCommand(runCmd)
}
