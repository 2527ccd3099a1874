/*
PURPOSE:
  Defines the 'report' subcommand.
  Prints the text analysis report for result files or the history database.

REQUIREMENTS:
  User-specified:
  - Overall statistics, per-instance throughput and latency, prefix
    caching effect.

  Implementation-discovered:
  - Reports across days need the SQLite history, not just one file.

ARCHITECTURE INTEGRATION:
  - Calls: internal/collector.WriteReport(), internal/output.SQLiteStore

ERROR HANDLING:
  - Unreadable files are skipped by MergeResults; an empty set prints a
    warning and no report.

IMPLEMENTATION RULES:
  - Warm-up runs are excluded by WriteReport.

USAGE:
  forest-bench report results/merged_results.json
  forest-bench report --history results/history.db --instance-type g5.xlarge

SELF-HEALING INSTRUCTIONS:
  - None.

RELATED FILES:
  - internal/collector/report.go
  - internal/output/sqlite.go

MAINTENANCE:
  - None.
*/

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/collector"
	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

var (
	reportHistory      string
	reportInstanceType string
)

var reportCmd = &cobra.Command{
	Use:   "report [results.json...]",
	Short: "Print an analysis report of benchmark results",
	RunE: func(cmd *cobra.Command, args []string) error {
		var records []*model.MetricRecord

		switch {
		case reportHistory != "":
			store, err := output.OpenSQLiteStore(reportHistory)
			if err != nil {
				return err
			}
			defer store.Close()
			records, err = store.Load(cmd.Context(), reportInstanceType)
			if err != nil {
				return err
			}
		case len(args) > 0:
			for _, rec := range collector.MergeResults(args...).Results {
				if reportInstanceType == "" || rec.InstanceType == reportInstanceType {
					records = append(records, rec)
				}
			}
		default:
			return fmt.Errorf("give result files or --history")
		}

		return collector.WriteReport(cmd.OutOrStdout(), records)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportHistory, "history", "", "Read records from this SQLite history database instead of files")
	reportCmd.Flags().StringVar(&reportInstanceType, "instance-type", "", "Only report this instance type")
}
