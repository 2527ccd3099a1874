package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/collector"
)

var mergeOutput string

var mergeCmd = &cobra.Command{
	Use:   "merge <results.json>...",
	Short: "Merge result files from several instances into one",
	Long: `Concatenates the results of every readable file. Files that cannot be read
are reported and skipped. The merged file carries merged_at, source_files
and total_runs metadata.`,
	Example: `  forest-bench merge g5/offline_results_*.json inf2/offline_results_*.json -o results/merged_results.json`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		merged := collector.MergeResults(args...)

		path := mergeOutput
		if path == "" {
			path = filepath.Join(cfg.Output.Dir, "merged_results.json")
		}
		if err := collector.SaveMerged(path, merged); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Merged %d runs from %d file(s) into %s\n", merged.Metadata.TotalRuns, len(args), path)
		if types := merged.InstanceTypes(); len(types) > 0 {
			fmt.Fprintf(out, "Instance types: %s\n", strings.Join(types, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "", "Merged file path (default <output-dir>/merged_results.json)")
}
