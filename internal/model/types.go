/*
PURPOSE:
  Defines the core data structures used throughout Forest Bench.
  A MetricRecord is one benchmark run: configuration, raw measurements,
  token counts and the derived throughput/latency figures.

REQUIREMENTS:
  User-specified:
  - Record configuration (model, instance, hardware, mode, batch, lengths, sampling).
  - Record raw timings (total, prefill, decode, first token) and token counts.
  - Derive tokens/sec, ms/token and inter-token latency from raw values.

  Implementation-discovered:
  - Optional values must serialize as explicit null (consumers rely on key presence).
  - Scenario / run index / warmup flag are first-class fields, not prose in notes.

ARCHITECTURE INTEGRATION:
  - Used by: internal/collector, internal/output, internal/engine, internal/tracking
  - Shared across boundaries.

ERROR HANDLING:
  - Validate() returns *ValidationError values (joined) for out-of-range input.
  - ComputeDerivedMetrics() never fails.

IMPLEMENTATION RULES:
  - Optional fields are pointers without omitempty.
  - Derived fields are only written by ComputeDerivedMetrics().

USAGE:
  rec := &model.MetricRecord{...}
  rec.ComputeDerivedMetrics()

SELF-HEALING INSTRUCTIONS:
  - If new metrics are needed, add field, ToMap() entry and CSV/Parquet/SQLite mapping.

RELATED FILES:
  - internal/output/csv.go
  - internal/output/parquet.go
  - internal/output/sqlite.go

MAINTENANCE:
  - Update when adding new metrics to capture.
*/

package model

// HardwareType identifies the accelerator family a run executed on.
type HardwareType string

const (
	HardwareGPU    HardwareType = "gpu"
	HardwareNeuron HardwareType = "neuron"
	// HardwareUnknown is what hardware detection reports when neither probe succeeds.
	HardwareUnknown HardwareType = "unknown"
)

// ServingMode distinguishes batch (offline) from request/response (online) serving.
type ServingMode string

const (
	ServingOnline  ServingMode = "online"
	ServingOffline ServingMode = "offline"
)

// MetricRecord represents the outcome of a single benchmark run.
type MetricRecord struct {
	ExperimentID string       `json:"experiment_id"`
	Timestamp    string       `json:"timestamp"`
	ModelName    string       `json:"model_name"`
	InstanceType string       `json:"instance_type"`
	HardwareType HardwareType `json:"hardware_type"`
	ServingMode  ServingMode  `json:"serving_mode"`

	// Configuration
	BatchSize           int     `json:"batch_size"`
	InputLength         int     `json:"input_length"`
	MaxOutputTokens     int     `json:"max_output_tokens"`
	EnablePrefixCaching bool    `json:"enable_prefix_caching"`
	Temperature         float64 `json:"temperature"`
	TopP                float64 `json:"top_p"`

	// Raw measurements (seconds)
	TotalTime         float64  `json:"total_time"`
	PrefillTime       *float64 `json:"prefill_time"`
	DecodeTime        *float64 `json:"decode_time"`
	FirstTokenLatency *float64 `json:"first_token_latency"` // TTFT

	ActualInputTokens  int `json:"actual_input_tokens"`
	ActualOutputTokens int `json:"actual_output_tokens"`

	// Derived, see ComputeDerivedMetrics.
	TokensPerSecond   *float64 `json:"tokens_per_second"`
	TimePerToken      *float64 `json:"time_per_token"`      // ms
	InterTokenLatency *float64 `json:"inter_token_latency"` // ms

	MemoryUsedMB *float64 `json:"memory_used_mb"`
	PeakMemoryMB *float64 `json:"peak_memory_mb"`
	CacheHitRate *float64 `json:"cache_hit_rate"`

	Error *string `json:"error"`
	Notes *string `json:"notes"`

	Scenario *string `json:"scenario"`
	RunIndex *int    `json:"run_index"`
	IsWarmup *bool   `json:"is_warmup"`
}

// ComputeDerivedMetrics fills the derived fields from the raw measurements.
// Calling it again recomputes from scratch, so the result only depends on the
// raw fields.
func (r *MetricRecord) ComputeDerivedMetrics() {
	r.TokensPerSecond = nil
	r.TimePerToken = nil
	r.InterTokenLatency = nil

	if r.ActualOutputTokens > 0 && r.TotalTime > 0 {
		tps := float64(r.ActualOutputTokens) / r.TotalTime
		tpt := r.TotalTime * 1000 / float64(r.ActualOutputTokens)
		r.TokensPerSecond = &tps
		r.TimePerToken = &tpt
	}

	// The first token is excluded from inter-token spacing.
	if r.DecodeTime != nil && r.ActualOutputTokens > 1 {
		itl := *r.DecodeTime * 1000 / float64(r.ActualOutputTokens-1)
		r.InterTokenLatency = &itl
	}
}

// Warmup reports whether the record is flagged as a warmup run.
func (r *MetricRecord) Warmup() bool {
	return r.IsWarmup != nil && *r.IsWarmup
}

// ToMap flattens the record into a name→value mapping. Every optional key is
// present; absent values are untyped nil.
func (r *MetricRecord) ToMap() map[string]any {
	return map[string]any{
		"experiment_id":         r.ExperimentID,
		"timestamp":             r.Timestamp,
		"model_name":            r.ModelName,
		"instance_type":         r.InstanceType,
		"hardware_type":         string(r.HardwareType),
		"serving_mode":          string(r.ServingMode),
		"batch_size":            r.BatchSize,
		"input_length":          r.InputLength,
		"max_output_tokens":     r.MaxOutputTokens,
		"enable_prefix_caching": r.EnablePrefixCaching,
		"temperature":           r.Temperature,
		"top_p":                 r.TopP,
		"total_time":            r.TotalTime,
		"prefill_time":          deref(r.PrefillTime),
		"decode_time":           deref(r.DecodeTime),
		"first_token_latency":   deref(r.FirstTokenLatency),
		"actual_input_tokens":   r.ActualInputTokens,
		"actual_output_tokens":  r.ActualOutputTokens,
		"tokens_per_second":     deref(r.TokensPerSecond),
		"time_per_token":        deref(r.TimePerToken),
		"inter_token_latency":   deref(r.InterTokenLatency),
		"memory_used_mb":        deref(r.MemoryUsedMB),
		"peak_memory_mb":        deref(r.PeakMemoryMB),
		"cache_hit_rate":        deref(r.CacheHitRate),
		"error":                 deref(r.Error),
		"notes":                 deref(r.Notes),
		"scenario":              deref(r.Scenario),
		"run_index":             deref(r.RunIndex),
		"is_warmup":             deref(r.IsWarmup),
	}
}

// Ptr returns a pointer to v. Handy for optional record fields.
func Ptr[T any](v T) *T {
	return &v
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
