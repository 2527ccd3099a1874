/*
PURPOSE:
  Dual-sink recorder: a Collector that also forwards each record to an
  experiment tracker (MLflow, Pushgateway).

REQUIREMENTS:
  User-specified:
  - Local append always happens first; remote failures never lose data.
  - Tracker unavailable at startup degrades to local-only.
  - Environment snapshot uploaded as an artifact per run.

  Implementation-discovered:
  - A circuit breaker stops hammering a dead tracker for the rest of a long
    session while still retrying after a cool-down.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go, internal/cli/runs.go
  - Uses: internal/tracking

ERROR HANDLING:
  - AddMetric returns only local validation errors.
  - Forwarding errors are logged at WARN and fed to the breaker.

IMPLEMENTATION RULES:
  - Whether tracking is wanted is an explicit constructor argument.
  - The temporary artifact is removed whatever the upload outcome.

USAGE:
  rec := collector.NewRecorder(ctx, c, cfg.Tracking.Enabled, tracking.DialMLflow(uri, name, timeout))
  err := rec.AddMetric(ctx, m, envSnapshot)

SELF-HEALING INSTRUCTIONS:
  - If runs show up without params, check the tracker's log-batch limits.

RELATED FILES:
  - internal/tracking/sink.go
  - internal/tracking/breaker.go

MAINTENANCE:
  - Keep param/metric names stable; dashboards depend on them.
*/

package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
	"github.com/daryltucker/forest-bench/internal/tracking"
)

// ErrTrackingDisabled is returned by run queries when no tracker is connected.
var ErrTrackingDisabled = errors.New("experiment tracking is not enabled")

// Recorder is a Collector that forwards records to a tracking sink.
type Recorder struct {
	*Collector

	sink    tracking.Sink
	breaker *tracking.Breaker
}

// NewRecorder wraps c. When enabled is false dial is never called. A failing
// dial is logged and leaves the recorder local-only.
func NewRecorder(ctx context.Context, c *Collector, enabled bool, dial tracking.Dialer) *Recorder {
	r := &Recorder{Collector: c, breaker: tracking.NewBreaker(0, 0)}
	if !enabled || dial == nil {
		return r
	}

	sink, err := dial(ctx)
	if err != nil {
		output.Logger.Warn("Experiment tracking unavailable, recording locally only", "error", err)
		return r
	}
	r.sink = sink
	return r
}

// WithBreaker replaces the default breaker.
func (r *Recorder) WithBreaker(b *tracking.Breaker) *Recorder {
	r.breaker = b
	return r
}

// TrackingEnabled reports whether records are being forwarded.
func (r *Recorder) TrackingEnabled() bool {
	return r.sink != nil
}

// AddMetric appends rec locally, then forwards it with the optional
// environment snapshot. Only local errors are returned.
func (r *Recorder) AddMetric(ctx context.Context, rec *model.MetricRecord, env map[string]any) error {
	if err := r.Collector.AddMetric(rec); err != nil {
		return err
	}
	if r.sink == nil {
		return nil
	}

	if err := r.breaker.Allow(); err != nil {
		output.Logger.Debug("Skipping tracker forward", "experiment_id", rec.ExperimentID, "error", err)
		return nil
	}

	err := r.forward(ctx, rec, env)
	r.breaker.Record(err)
	if err != nil {
		output.Logger.Warn("Failed to log run to tracker", "experiment_id", rec.ExperimentID, "error", err)
	}
	return nil
}

func (r *Recorder) forward(ctx context.Context, rec *model.MetricRecord, env map[string]any) (err error) {
	runID, err := r.sink.StartRun(ctx, rec.ExperimentID)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	defer func() {
		status := tracking.RunFinished
		if err != nil {
			status = tracking.RunFailed
		}
		if endErr := r.sink.EndRun(ctx, runID, status); endErr != nil && err == nil {
			err = fmt.Errorf("end run: %w", endErr)
		}
	}()

	if err := r.sink.LogParams(ctx, runID, runParams(rec)); err != nil {
		return fmt.Errorf("log params: %w", err)
	}
	if err := r.sink.LogMetrics(ctx, runID, runMetrics(rec)); err != nil {
		return fmt.Errorf("log metrics: %w", err)
	}
	if err := r.sink.SetTags(ctx, runID, runTags(rec)); err != nil {
		return fmt.Errorf("set tags: %w", err)
	}

	if env != nil {
		if err := r.logEnvironment(ctx, runID, rec.ExperimentID, env); err != nil {
			if !errors.Is(err, tracking.ErrArtifactsUnsupported) {
				return fmt.Errorf("log environment: %w", err)
			}
			output.Logger.Debug("Tracker does not store artifacts", "experiment_id", rec.ExperimentID)
		}
	}
	return nil
}

// logEnvironment writes env to a temporary env_info_<id>.json and uploads it
// under "environment". The temporary directory is always removed.
func (r *Recorder) logEnvironment(ctx context.Context, runID, experimentID string, env map[string]any) error {
	dir, err := os.MkdirTemp("", "forest-bench-env-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, fmt.Sprintf("env_info_%s.json", experimentID))
	if err := output.WriteJSONFile(path, env); err != nil {
		return err
	}
	return r.sink.LogArtifact(ctx, runID, path, "environment")
}

func runParams(rec *model.MetricRecord) map[string]string {
	return map[string]string{
		"model_name":            rec.ModelName,
		"instance_type":         rec.InstanceType,
		"hardware_type":         string(rec.HardwareType),
		"serving_mode":          string(rec.ServingMode),
		"batch_size":            strconv.Itoa(rec.BatchSize),
		"input_length":          strconv.Itoa(rec.InputLength),
		"max_output_tokens":     strconv.Itoa(rec.MaxOutputTokens),
		"enable_prefix_caching": strconv.FormatBool(rec.EnablePrefixCaching),
		"temperature":           strconv.FormatFloat(rec.Temperature, 'f', -1, 64),
		"top_p":                 strconv.FormatFloat(rec.TopP, 'f', -1, 64),
	}
}

func runMetrics(rec *model.MetricRecord) map[string]float64 {
	m := map[string]float64{
		"total_time":           rec.TotalTime,
		"actual_input_tokens":  float64(rec.ActualInputTokens),
		"actual_output_tokens": float64(rec.ActualOutputTokens),
	}
	optional := map[string]*float64{
		"tokens_per_second":      rec.TokensPerSecond,
		"time_per_token_ms":      rec.TimePerToken,
		"prefill_time":           rec.PrefillTime,
		"decode_time":            rec.DecodeTime,
		"first_token_latency":    rec.FirstTokenLatency,
		"inter_token_latency_ms": rec.InterTokenLatency,
		"memory_used_mb":         rec.MemoryUsedMB,
		"peak_memory_mb":         rec.PeakMemoryMB,
		"cache_hit_rate":         rec.CacheHitRate,
	}
	for k, v := range optional {
		if v != nil {
			m[k] = *v
		}
	}
	return m
}

func runTags(rec *model.MetricRecord) map[string]string {
	tags := map[string]string{
		"experiment_id": rec.ExperimentID,
		"timestamp":     rec.Timestamp,
	}
	if rec.Error != nil {
		tags["error"] = *rec.Error
	}
	if rec.Notes != nil {
		tags["notes"] = *rec.Notes
	}
	if rec.Scenario != nil {
		tags["scenario"] = *rec.Scenario
	}
	if rec.RunIndex != nil {
		tags["run_index"] = strconv.Itoa(*rec.RunIndex)
	}
	if rec.IsWarmup != nil {
		tags["is_warmup"] = strconv.FormatBool(*rec.IsWarmup)
	}
	return tags
}

// ListRuns returns every run the tracker holds for the experiment.
func (r *Recorder) ListRuns(ctx context.Context) ([]tracking.Run, error) {
	if r.sink == nil {
		return nil, ErrTrackingDisabled
	}
	q, ok := r.sink.(tracking.Querier)
	if !ok {
		return nil, fmt.Errorf("tracker %T cannot list runs", r.sink)
	}
	return q.SearchRuns(ctx)
}

// CompareRuns compares metricNames across all runs of the experiment. An
// empty list uses tracking.DefaultCompareMetrics.
func (r *Recorder) CompareRuns(ctx context.Context, metricNames []string) (tracking.Comparison, error) {
	runs, err := r.ListRuns(ctx)
	if err != nil {
		return tracking.Comparison{}, err
	}
	return tracking.CompareRuns(runs, metricNames), nil
}
