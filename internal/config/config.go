/*
PURPOSE:
  Defines the configuration structure and loading logic for forest-bench.
  Adheres to "Config IS Code" philosophy.

REQUIREMENTS:
  User-specified:
  - Configure the inference server, benchmark matrix, outputs, experiment
    tracking and result archiving.

  Implementation-discovered:
  - Needs to support YAML parsing.
  - Needs environment variable overrides (FOREST_BENCH_...) so containers can
    be configured without a file.
  - CLI flags override both (applied in internal/cli).

ARCHITECTURE INTEGRATION:
  - Used by: internal/cli, internal/engine
  - Dependencies: gopkg.in/yaml.v3, github.com/Netflix/go-env

ERROR HANDLING:
  - Returns explicit error if config file is invalid.
  - Missing default file falls back to defaults; a missing explicit file is an
    error.
  - Validate() reports every out-of-range value at once.

IMPLEMENTATION RULES:
  - Config struct tags support yaml and env.
  - Defaults should be sensible (e.g., 3 runs, first one warmup).
  - env tags carry no defaults so unset variables leave file values alone.
  - Lists in env vars are "|" separated (go-env default).

USAGE:
  cfg, err := config.Load("forest_bench.yaml")
  err = cfg.Validate()

SELF-HEALING INSTRUCTIONS:
  - If new fields are needed, add to the struct and DefaultConfig().

RELATED FILES:
  - internal/cli/root.go

MAINTENANCE:
  - Update when adding new tuning parameters.
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"
)

// Tracking backends.
const (
	BackendMLflow      = "mlflow"
	BackendPushgateway = "pushgateway"
)

// Output formats written at the end of a run besides the results JSON.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
)

// DefaultFiles are searched in order when no config path is given.
var DefaultFiles = []string{"forest_bench.yaml", "forest-bench.yaml", "bench.yaml"}

// Config represents the full configuration for forest-bench.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Benchmark BenchmarkConfig `yaml:"benchmark"`
	Output    OutputConfig    `yaml:"output"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
	Host      HostConfig      `yaml:"host"`
}

// ServerConfig points at an OpenAI-compatible inference server.
type ServerConfig struct {
	URL            string        `yaml:"url" env:"FOREST_BENCH_SERVER_URL"`
	Model          string        `yaml:"model" env:"FOREST_BENCH_MODEL"`
	APIKey         string        `yaml:"api_key" env:"FOREST_BENCH_API_KEY"`
	MaxRetries     int           `yaml:"max_retries" env:"FOREST_BENCH_MAX_RETRIES"`
	RetryDelay     time.Duration `yaml:"retry_delay" env:"FOREST_BENCH_RETRY_DELAY"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"FOREST_BENCH_REQUEST_TIMEOUT"`
	// MetricsPath is scraped before and after each run for cache and
	// memory gauges. Empty disables scraping.
	MetricsPath string `yaml:"metrics_path" env:"FOREST_BENCH_METRICS_PATH"`
	// Concurrency caps in-flight requests in online mode. Zero means one
	// request per prompt in the batch.
	Concurrency int `yaml:"concurrency" env:"FOREST_BENCH_CONCURRENCY"`
	// Exclude filters model names (substring match) in list-models.
	Exclude []string `yaml:"exclude"`
}

// BenchmarkConfig is the run matrix.
type BenchmarkConfig struct {
	Mode                string  `yaml:"mode" env:"FOREST_BENCH_MODE"`
	InstanceType        string  `yaml:"instance_type" env:"FOREST_BENCH_INSTANCE_TYPE"`
	HardwareType        string  `yaml:"hardware_type" env:"FOREST_BENCH_HARDWARE_TYPE"`
	NumRuns             int     `yaml:"num_runs" env:"FOREST_BENCH_NUM_RUNS"`
	MaxTokens           int     `yaml:"max_tokens" env:"FOREST_BENCH_MAX_TOKENS"`
	Temperature         float64 `yaml:"temperature" env:"FOREST_BENCH_TEMPERATURE"`
	TopP                float64 `yaml:"top_p" env:"FOREST_BENCH_TOP_P"`
	EnablePrefixCaching bool    `yaml:"enable_prefix_caching" env:"FOREST_BENCH_PREFIX_CACHING"`

	Scenarios  []string `yaml:"scenarios" env:"FOREST_BENCH_SCENARIOS"`
	BatchSizes []int    `yaml:"batch_sizes" env:"FOREST_BENCH_BATCH_SIZES"`
	// Prompts adds or replaces named scenarios.
	Prompts map[string][]string `yaml:"prompts"`
}

// OutputConfig controls what is written at the end of a run.
type OutputConfig struct {
	Dir       string   `yaml:"dir" env:"FOREST_BENCH_OUTPUT_DIR"`
	Formats   []string `yaml:"formats" env:"FOREST_BENCH_OUTPUT_FORMATS"`
	HistoryDB string   `yaml:"history_db" env:"FOREST_BENCH_HISTORY_DB"`
	SaveEnv   bool     `yaml:"save_env" env:"FOREST_BENCH_SAVE_ENV"`
}

// TrackingConfig selects the experiment tracker.
type TrackingConfig struct {
	Enabled          bool          `yaml:"enabled" env:"FOREST_BENCH_TRACKING_ENABLED"`
	Backend          string        `yaml:"backend" env:"FOREST_BENCH_TRACKING_BACKEND"`
	URI              string        `yaml:"uri" env:"FOREST_BENCH_TRACKING_URI"`
	Experiment       string        `yaml:"experiment" env:"FOREST_BENCH_EXPERIMENT"`
	Job              string        `yaml:"job" env:"FOREST_BENCH_PUSH_JOB"`
	Timeout          time.Duration `yaml:"timeout" env:"FOREST_BENCH_TRACKING_TIMEOUT"`
	BreakerThreshold int           `yaml:"breaker_threshold" env:"FOREST_BENCH_BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" env:"FOREST_BENCH_BREAKER_COOLDOWN"`
}

// ArchiveConfig uploads result files to S3 or an S3-compatible store.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket" env:"FOREST_BENCH_S3_BUCKET"`
	Prefix          string `yaml:"prefix" env:"FOREST_BENCH_S3_PREFIX"`
	Region          string `yaml:"region" env:"FOREST_BENCH_S3_REGION"`
	Endpoint        string `yaml:"endpoint" env:"FOREST_BENCH_S3_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"FOREST_BENCH_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"FOREST_BENCH_S3_SECRET_ACCESS_KEY"`
}

// LoggingConfig selects level and handler format (text or json).
type LoggingConfig struct {
	Level  string `yaml:"level" env:"FOREST_BENCH_LOG_LEVEL"`
	Format string `yaml:"format" env:"FOREST_BENCH_LOG_FORMAT"`
}

// HostConfig tunes the environment probes.
type HostConfig struct {
	IMDSEndpoint string `yaml:"imds_endpoint" env:"FOREST_BENCH_IMDS_ENDPOINT"`
	SkipIMDS     bool   `yaml:"skip_imds" env:"FOREST_BENCH_SKIP_IMDS"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "http://localhost:8000",
			MaxRetries:     3,
			RetryDelay:     2 * time.Second,
			RequestTimeout: 300 * time.Second,
			MetricsPath:    "/metrics",
			Exclude:        []string{"embed", "rerank"},
		},
		Benchmark: BenchmarkConfig{
			Mode:        "offline",
			NumRuns:     3,
			MaxTokens:   128,
			Temperature: 0.7,
			TopP:        0.9,
			Scenarios:   []string{"short", "medium", "long", "prefix_caching"},
			BatchSizes:  []int{1, 4},
		},
		Output: OutputConfig{
			Dir:     "results",
			Formats: []string{FormatCSV},
			SaveEnv: true,
		},
		Tracking: TrackingConfig{
			Backend:          BackendMLflow,
			URI:              "http://localhost:5000",
			Experiment:       "vllm-benchmark",
			Job:              "forest_bench",
			Timeout:          10 * time.Second,
			BreakerThreshold: 3,
			BreakerCooldown:  30 * time.Second,
		},
		Archive: ArchiveConfig{
			Prefix: "forest-bench",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a file, then applies environment overrides.
// If path is specified, it attempts to load that file.
// If path is empty, it searches DefaultFiles in order.
// If no file is found, defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
	} else {
		for _, name := range DefaultFiles {
			data, err = os.ReadFile(name)
			if err == nil {
				path = name
				break
			}
		}
	}

	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies FOREST_BENCH_* variables on top of the current values.
// List values are separated by "|".
func (c *Config) LoadFromEnv() error {
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return fmt.Errorf("failed to unmarshal environment variables: %w", err)
	}
	return nil
}

// Validate checks ranges and enums. All problems are returned joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.URL == "" {
		add("server.url is required")
	}
	if c.Server.MaxRetries < 1 {
		add("server.max_retries must be >= 1, got %d", c.Server.MaxRetries)
	}
	if c.Server.RequestTimeout <= 0 {
		add("server.request_timeout must be > 0, got %s", c.Server.RequestTimeout)
	}
	if c.Server.Concurrency < 0 {
		add("server.concurrency must be >= 0, got %d", c.Server.Concurrency)
	}

	b := c.Benchmark
	switch b.Mode {
	case "offline", "online":
	default:
		add("benchmark.mode must be offline or online, got %q", b.Mode)
	}
	switch b.HardwareType {
	case "", "gpu", "neuron", "unknown":
	default:
		add("benchmark.hardware_type must be gpu or neuron, got %q", b.HardwareType)
	}
	if b.NumRuns < 1 {
		add("benchmark.num_runs must be >= 1, got %d", b.NumRuns)
	}
	if b.MaxTokens < 1 {
		add("benchmark.max_tokens must be >= 1, got %d", b.MaxTokens)
	}
	if b.Temperature < 0 {
		add("benchmark.temperature must be >= 0, got %g", b.Temperature)
	}
	if b.TopP < 0 || b.TopP > 1 {
		add("benchmark.top_p must be in [0,1], got %g", b.TopP)
	}
	if len(b.BatchSizes) == 0 {
		add("benchmark.batch_sizes must not be empty")
	}
	for _, bs := range b.BatchSizes {
		if bs < 1 {
			add("benchmark.batch_sizes entries must be >= 1, got %d", bs)
		}
	}
	if len(b.Scenarios) == 0 {
		add("benchmark.scenarios must not be empty")
	}

	if c.Output.Dir == "" {
		add("output.dir is required")
	}
	for _, f := range c.Output.Formats {
		switch f {
		case FormatCSV, FormatParquet, FormatJSONL:
		default:
			add("output.formats: unknown format %q", f)
		}
	}

	if c.Tracking.Enabled {
		switch c.Tracking.Backend {
		case BackendMLflow, BackendPushgateway:
		default:
			add("tracking.backend must be mlflow or pushgateway, got %q", c.Tracking.Backend)
		}
		if c.Tracking.URI == "" {
			add("tracking.uri is required when tracking is enabled")
		}
		if c.Tracking.Timeout <= 0 {
			add("tracking.timeout must be > 0, got %s", c.Tracking.Timeout)
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// HasFormat reports whether format is among the configured output formats.
func (c *Config) HasFormat(format string) bool {
	for _, f := range c.Output.Formats {
		if f == format {
			return true
		}
	}
	return false
}
