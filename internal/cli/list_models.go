/*
PURPOSE:
  Defines the 'list-models' subcommand.
  Helps debug connectivity and model discovery.

REQUIREMENTS:
  User-specified:
  - List available models.

  Implementation-discovered:
  - Useful validation step before a full run; shows which names the
    exclude filter would drop from '--models all'.

ARCHITECTURE INTEGRATION:
  - Calls: internal/engine.GetModels()

ERROR HANDLING:
  - Returns the discovery error (bad URL, server down).

IMPLEMENTATION RULES:
  - Simple output to stdout.

USAGE:
  forest-sweep list-models --url http://localhost:11434

RELATED FILES:
  - internal/engine/client.go
*/

package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-sweep/internal/config"
	"github.com/daryltucker/forest-sweep/internal/engine"
)

var (
	listURL     string
	listExclude []string
)

var listModelsCmd = &cobra.Command{
	Use:   "list-models",
	Short: "List available models on the generation server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("url") {
			cfg.URL = listURL
		}
		if cmd.Flags().Changed("exclude") {
			cfg.Exclude = listExclude
		}

		e := engine.New(cfg)
		defer e.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Querying %s...\n", e.BaseURL)
		models, err := e.GetModels(cmd.Context())
		if err != nil {
			return err
		}

		kept := config.FilterModels(models, cfg.Exclude)
		for _, m := range models {
			if slices.Contains(kept, m) {
				fmt.Fprintf(out, "- %s\n", m)
			} else {
				fmt.Fprintf(out, "- %s (excluded)\n", m)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listModelsCmd)
	listModelsCmd.Flags().StringVar(&listURL, "url", "", "Generation server base URL")
	listModelsCmd.Flags().StringSliceVar(&listExclude, "exclude", nil, "Comma-separated substrings to mark as excluded")
}
