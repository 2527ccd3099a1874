/*
PURPOSE:
  Defines the 'list-models' subcommand.
  Helps debug connectivity and model discovery.

REQUIREMENTS:
  User-specified:
  - List available models.

  Implementation-discovered:
  - Useful validation step before full run.
  - Shows which models the exclusion filter would skip.

ARCHITECTURE INTEGRATION:
  - Calls: internal/engine.GetModels() (via Engine)

ERROR HANDLING:
  - Prints error per URL and continues with the next one.

IMPLEMENTATION RULES:
  - Simple output to stdout.

USAGE:
  forest-bench list-models --urls http://gpu-1:8000,http://inf2-1:8000

SELF-HEALING INSTRUCTIONS:
  - None.

RELATED FILES:
  - internal/engine/client.go

MAINTENANCE:
  - None.
*/

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/engine"
)

var (
	urlsOverride []string
	listAll      bool
)

var listModelsCmd = &cobra.Command{
	Use:   "list-models",
	Short: "List models served by the inference server(s)",
	RunE: func(cmd *cobra.Command, args []string) error {
		urls := []string{cfg.Server.URL}
		if len(urlsOverride) > 0 {
			urls = urlsOverride
		}

		e := engine.New(cfg)
		out := cmd.OutOrStdout()
		failed := 0

		for _, url := range urls {
			fmt.Fprintf(out, "Querying %s...\n", url)
			models, err := e.GetModels(cmd.Context(), url)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
				failed++
				continue
			}

			kept := engine.FilterModels(models, cfg.Server.Exclude)
			included := make(map[string]bool, len(kept))
			for _, m := range kept {
				included[m] = true
			}
			for _, m := range models {
				switch {
				case included[m]:
					fmt.Fprintf(out, "- %s\n", m)
				case listAll:
					fmt.Fprintf(out, "- %s (excluded)\n", m)
				}
			}
		}

		if failed == len(urls) {
			return fmt.Errorf("no server answered")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listModelsCmd)
	listModelsCmd.Flags().StringSliceVar(&urlsOverride, "urls", nil, "Comma-separated list of server URLs (default server.url)")
	listModelsCmd.Flags().BoolVar(&listAll, "all", false, "Also show models matched by server.exclude")
}
