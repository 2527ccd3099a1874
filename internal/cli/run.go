/*
PURPOSE:
  Defines the 'run' subcommand.
  Executes a benchmark session against one inference server.

REQUIREMENTS:
  User-specified:
  - Run the benchmarks.
  - Specific flags for overrides.

  Implementation-discovered:
  - Need to load config first (root PersistentPreRunE).
  - Apply flag overrides only for flags the user actually set, so config
    and environment values survive.
  - Ctrl-C stops the matrix but still writes collected results.

ARCHITECTURE INTEGRATION:
  - Calls: internal/engine.Runner.Run()
  - Uses: internal/config, internal/collector, internal/tracking

ERROR HANDLING:
  - Returns error if config validation fails or the session cannot start.

IMPLEMENTATION RULES:
  - Setup flags in init().
  - Logic: Override -> Validate -> Collector/Recorder -> Runner.Run.

USAGE:
  forest-bench run --url http://gpu-box:8000 --batch-sizes 1,4,8

SELF-HEALING INSTRUCTIONS:
  - Check flag names match Config yaml keys generally.

RELATED FILES:
  - internal/cli/root.go
  - internal/engine/runner.go

MAINTENANCE:
  - Update when adding new CLI overrides.
*/

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/collector"
	"github.com/daryltucker/forest-bench/internal/config"
	"github.com/daryltucker/forest-bench/internal/engine"
)

var (
	urlOverride          string
	modelOverride        string
	modeOverride         string
	scenariosOverride    []string
	batchSizesOverride   []int
	numRunsOverride      int
	maxTokensOverride    int
	temperatureOverride  float64
	topPOverride         float64
	prefixCachingFlag    bool
	streamFlag           bool
	instanceTypeOverride string
	hardwareTypeOverride string
	outputOverride       string
	formatsOverride      []string
	historyDBOverride    string
	trackingFlag         bool
	trackingURIOverride  string
	trackingBackend      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the benchmark suite",
	Long: `Executes a benchmark session against an OpenAI-compatible inference server.
The process follows a strict protocol:
1. Discovery: Uses the configured model, or the first model the server lists.
2. Environment: Detects hardware and instance type and snapshots the host.
3. Benchmarking: Runs every scenario x batch size NumRuns times; the first run
   of each cell is a warm-up.

Results are saved as <mode>_results_<stamp>.json plus a summary and the
configured export formats. A session table is printed at the end.`,
	Example: `  # Run with defaults (uses forest_bench.yaml)
  forest-bench run

  # Online mode (streaming, measures time to first token)
  forest-bench run --mode online --url http://gpu-box:8000

  # Custom matrix and outputs
  forest-bench run --scenarios short,prefix_caching --batch-sizes 1,8,32 --formats csv,parquet -o ./benchmarks

  # Log every run to MLflow
  forest-bench run --tracking --tracking-uri http://mlflow:5000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx := cmd.Context()
		c, err := collector.New(cfg.Output.Dir)
		if err != nil {
			return err
		}
		rec := newRecorder(ctx, cfg, c, cfg.Tracking.Enabled)

		runner := engine.NewRunner(cfg, rec)
		runner.Stdout = cmd.OutOrStdout()

		session, err := runner.Run(ctx)
		if session != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Benchmark complete. Results saved to: %s\n", session.ResultsPath)
		}
		if session == nil {
			return err
		}
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("benchmark interrupted after %d runs", session.Records)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&urlOverride, "url", "", "Inference server base URL")
	f.StringVar(&modelOverride, "model", "", "Model name (skips discovery)")
	f.StringVar(&modeOverride, "mode", "", "Serving mode: offline (batched) or online (streaming)")
	f.StringSliceVar(&scenariosOverride, "scenarios", nil, "Comma-separated scenarios (short, medium, long, prefix_caching)")
	f.IntSliceVar(&batchSizesOverride, "batch-sizes", nil, "Comma-separated batch sizes")
	f.IntVar(&numRunsOverride, "num-runs", 0, "Runs per scenario and batch size (first is warm-up)")
	f.IntVar(&maxTokensOverride, "max-tokens", 0, "Maximum tokens to generate")
	f.Float64Var(&temperatureOverride, "temperature", 0, "Sampling temperature")
	f.Float64Var(&topPOverride, "top-p", 0, "Top-p sampling parameter")
	f.BoolVar(&prefixCachingFlag, "enable-prefix-caching", false, "Record that the server runs with prefix caching")
	f.BoolVar(&streamFlag, "stream", false, "Alias for --mode online")
	f.StringVar(&instanceTypeOverride, "instance-type", "", "Instance type (detected from EC2 metadata when empty)")
	f.StringVar(&hardwareTypeOverride, "hardware-type", "", "Hardware type: gpu or neuron (detected when empty)")
	f.StringVarP(&outputOverride, "output-dir", "o", "", "Output directory for results")
	f.StringSliceVar(&formatsOverride, "formats", nil, "Export formats: csv, parquet, jsonl")
	f.StringVar(&historyDBOverride, "history-db", "", "Append results to this SQLite history database")
	f.BoolVar(&trackingFlag, "tracking", false, "Forward runs to the experiment tracker")
	f.StringVar(&trackingURIOverride, "tracking-uri", "", "Tracker URI (MLflow server or Pushgateway)")
	f.StringVar(&trackingBackend, "tracking-backend", "", "Tracker backend: mlflow or pushgateway")
}

func applyRunOverrides(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("url") {
		c.Server.URL = urlOverride
	}
	if f.Changed("model") {
		c.Server.Model = modelOverride
	}
	if f.Changed("mode") {
		c.Benchmark.Mode = modeOverride
	}
	if f.Changed("stream") && streamFlag {
		c.Benchmark.Mode = "online"
	}
	if f.Changed("scenarios") {
		c.Benchmark.Scenarios = scenariosOverride
	}
	if f.Changed("batch-sizes") {
		c.Benchmark.BatchSizes = batchSizesOverride
	}
	if f.Changed("num-runs") {
		c.Benchmark.NumRuns = numRunsOverride
	}
	if f.Changed("max-tokens") {
		c.Benchmark.MaxTokens = maxTokensOverride
	}
	if f.Changed("temperature") {
		c.Benchmark.Temperature = temperatureOverride
	}
	if f.Changed("top-p") {
		c.Benchmark.TopP = topPOverride
	}
	if f.Changed("enable-prefix-caching") {
		c.Benchmark.EnablePrefixCaching = prefixCachingFlag
	}
	if f.Changed("instance-type") {
		c.Benchmark.InstanceType = instanceTypeOverride
	}
	if f.Changed("hardware-type") {
		c.Benchmark.HardwareType = hardwareTypeOverride
	}
	if f.Changed("output-dir") {
		c.Output.Dir = outputOverride
	}
	if f.Changed("formats") {
		c.Output.Formats = formatsOverride
	}
	if f.Changed("history-db") {
		c.Output.HistoryDB = historyDBOverride
	}
	if f.Changed("tracking") {
		c.Tracking.Enabled = trackingFlag
	}
	if f.Changed("tracking-uri") {
		c.Tracking.URI = trackingURIOverride
	}
	if f.Changed("tracking-backend") {
		c.Tracking.Backend = trackingBackend
	}
}
