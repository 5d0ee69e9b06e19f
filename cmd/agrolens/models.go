package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/agrolens/internal/ollama"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and download inference models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the models available on the inference backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := catalogClient()
		list, err := client.ListModels(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED\tACTIVE")
		for _, m := range list {
			active := ""
			if m.Name == client.ActiveModel() {
				active = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, humanize.Bytes(uint64(m.Size)), humanize.Time(m.ModifiedAt), active)
		}
		return w.Flush()
	},
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull NAME",
	Short: "Download a model to the inference backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := catalogClient().PullModel(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "model %s pulled\n", args[0])
		return err
	},
}

// catalogClient builds an inference client without opening the database.
func catalogClient() *ollama.Client {
	return ollama.NewClient(ollama.Config{
		Host:           cfg.Inference.Host,
		Model:          cfg.Inference.Model,
		CatalogTimeout: cfg.Inference.CatalogTimeout,
		PullTimeout:    cfg.Inference.PullTimeout,
		Options:        cfg.Inference.Options,
	})
}

func init() {
	modelsCmd.AddCommand(modelsListCmd, modelsPullCmd)
	rootCmd.AddCommand(modelsCmd)
}
