/*
PURPOSE:
  Defines the root Cobra command for the forest-bench CLI.
  Handles global flags, configuration loading and logger setup.

REQUIREMENTS:
  User-specified:
  - Provide a CLI interface.
  - Support global flags like --config.

  Implementation-discovered:
  - Needs to expose an Execute() function for main.go.
  - Every subcommand needs the loaded config and a configured logger, so
    both happen once in PersistentPreRunE.

ARCHITECTURE INTEGRATION:
  - Called by: cmd/forest-bench/main.go
  - Calls: Child commands (run, summarize, merge, report, env, runs,
    list-models, upload, history)
  - Modifies: package-level cfg (loaded config, flag overrides applied by
    each subcommand).

ERROR HANDLING:
  - Returns error to main.go for exit code handling.

IMPLEMENTATION RULES:
  - Use `PersistentFlags()` for flags available to all subcommands.
  - Keep Run logic in subcommands, Root only prepares shared state.
  - Precedence: defaults < config file < FOREST_BENCH_* env < flags.

USAGE:
  Called by main.go.

SELF-HEALING INSTRUCTIONS:
  - If adding new global flags, add them to init().

RELATED FILES:
  - cmd/forest-bench/main.go
  - internal/config/config.go

MAINTENANCE:
  - Update when adding global configuration options.
*/

package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/daryltucker/forest-bench/internal/config"
	"github.com/daryltucker/forest-bench/internal/output"
)

var (
	// cfgFile stores the path to the config file (if specified via flag)
	cfgFile   string
	logLevel  string
	logFormat string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "forest-bench",
		Short: "Benchmark metrics collection and reporting for LLM inference servers",
		Long: `Benchmarks OpenAI-compatible inference servers (vLLM on GPU or Neuron),
records every run as a metric record, and produces results, summaries and
reports. Use 'run --help' for benchmark options.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

// Execute executes the root command. Cancelling ctx stops long-running
// commands.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./forest_bench.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}
	output.Configure(os.Stderr, loaded.Logging.Level, loaded.Logging.Format)

	cfg = loaded
	return nil
}
