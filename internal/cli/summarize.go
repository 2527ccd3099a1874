package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/collector"
	"github.com/daryltucker/forest-bench/internal/output"
)

var (
	summarizeSave string
	summarizeJSON bool
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize <results.json>...",
	Short: "Print the session table and per-configuration summary of result files",
	Example: `  forest-bench summarize results/offline_results_20250101_120000.json
  forest-bench summarize results/*_results_*.json --save combined_summary.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		merged := collector.MergeResults(args...)
		if len(merged.Results) == 0 {
			return fmt.Errorf("no results loaded from %d file(s)", len(args))
		}

		c, err := collector.New(cfg.Output.Dir)
		if err != nil {
			return err
		}
		for _, rec := range merged.Results {
			if err := c.AddMetric(rec); err != nil {
				output.Logger.Warn("Skipping invalid record", "experiment_id", rec.ExperimentID, "error", err)
			}
		}

		if summarizeJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(c.Summarize()); err != nil {
				return err
			}
		} else if err := c.PrintSummary(cmd.OutOrStdout()); err != nil {
			return err
		}

		if summarizeSave != "" {
			path, err := c.SaveSummary(summarizeSave)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Summary saved to: %s\n", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(summarizeCmd)
	summarizeCmd.Flags().StringVar(&summarizeSave, "save", "", "Also write the summary JSON under the output directory with this file name")
	summarizeCmd.Flags().BoolVar(&summarizeJSON, "json", false, "Print the summary as JSON instead of the table")
}
