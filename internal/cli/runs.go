package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/collector"
	"github.com/daryltucker/forest-bench/internal/tracking"
)

var runsJSON bool

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Query runs logged to the experiment tracker",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the runs of the configured experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := queryRecorder(cmd)
		if err != nil {
			return err
		}
		runs, err := rec.ListRuns(cmd.Context())
		if err != nil {
			return err
		}
		if runsJSON {
			return writeJSON(cmd, runs)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tTOK/S\tMS/TOK")
		for _, run := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				run.RunName, run.Status, run.StartTime.Format(time.RFC3339),
				metricCell(run, "tokens_per_second"), metricCell(run, "time_per_token_ms"))
		}
		return tw.Flush()
	},
}

var runsCompareCmd = &cobra.Command{
	Use:   "compare [metric...]",
	Short: "Compare metrics across all runs of the experiment",
	Long: `Computes min, mean, max and count for each metric over every run of the
experiment. Without arguments compares tokens_per_second, time_per_token_ms,
first_token_latency and total_time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := queryRecorder(cmd)
		if err != nil {
			return err
		}
		cmp, err := rec.CompareRuns(cmd.Context(), args)
		if err != nil {
			return err
		}
		if runsJSON {
			return writeJSON(cmd, cmp)
		}

		names := make([]string, 0, len(cmp.MetricComparison))
		for name := range cmp.MetricComparison {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(cmd.OutOrStdout(), "Total runs: %d\n\n", cmp.TotalRuns)
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "METRIC\tMIN\tMEAN\tMAX\tCOUNT")
		for _, name := range names {
			mc := cmp.MetricComparison[name]
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%d\n", name, mc.Min, mc.Mean, mc.Max, mc.Count)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsCompareCmd)
	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "Print JSON")
}

// queryRecorder connects to the tracker regardless of tracking.enabled: the
// user asked for it explicitly.
func queryRecorder(cmd *cobra.Command) (*collector.Recorder, error) {
	// Queries never write results; the collector only satisfies the recorder.
	c, err := collector.New(os.TempDir())
	if err != nil {
		return nil, err
	}
	rec := newRecorder(cmd.Context(), cfg, c, true)
	if !rec.TrackingEnabled() {
		return nil, fmt.Errorf("%w: cannot reach %s tracker at %s", collector.ErrTrackingDisabled, cfg.Tracking.Backend, cfg.Tracking.URI)
	}
	return rec, nil
}

func metricCell(run tracking.Run, name string) string {
	v, ok := run.Metrics[name]
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
