/*
PURPOSE:
  High-level runner that orchestrates a benchmark session.
  Loops through Scenarios -> Batch sizes -> Runs, turns every run into a
  MetricRecord and hands it to the Recorder, then writes the session files.

REQUIREMENTS:
  User-specified:
  - Run the scenario matrix against one model on one server.
  - First run of every (scenario, batch size) cell is a warm-up.
  - Save results JSON, summary JSON and print the session table.

  Implementation-discovered:
  - Failed runs are still recorded (with error set) so the session shows them.
  - An interrupted session still writes what it collected.
  - Hardware and instance type come from the host when not configured.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli (run)
  - Uses: internal/engine/client.go, internal/collector, internal/envinfo,
    internal/output, internal/model

ERROR HANDLING:
  - Logs run errors but continues (resilience).
  - Export errors after the results JSON are logged, not returned.

IMPLEMENTATION RULES:
  - Resolve model (config or first served model).
  - For each scenario: prompts, for each batch size: NumRuns runs.
  - Offline: one batched request per run. Online: one streaming request per
    prompt, in parallel.

USAGE:
  r := engine.NewRunner(cfg, recorder)
  session, err := r.Run(ctx)

SELF-HEALING INSTRUCTIONS:
  - If a new output format is added, extend writeExports.

RELATED FILES:
  - internal/engine/client.go
  - internal/collector/recorder.go

MAINTENANCE:
  - Update iteration logic if the matrix grows new dimensions.
*/

package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/daryltucker/forest-bench/internal/collector"
	"github.com/daryltucker/forest-bench/internal/config"
	"github.com/daryltucker/forest-bench/internal/envinfo"
	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

// Runner executes one benchmark session.
type Runner struct {
	Config     *config.Config
	Engine     *Engine
	Recorder   *collector.Recorder
	EnvOptions envinfo.Options
	Stdout     io.Writer
	Now        func() time.Time
}

// Target is what a session measures.
type Target struct {
	Model        string
	InstanceType string
	Hardware     model.HardwareType
	Mode         model.ServingMode
}

// Session describes the files a finished run produced.
type Session struct {
	ID          string
	Target      Target
	Records     int
	ResultsPath string
	SummaryPath string
	EnvPath     string
	Files       []string
}

// NewRunner wires a runner with live defaults.
func NewRunner(cfg *config.Config, rec *collector.Recorder) *Runner {
	return &Runner{
		Config:   cfg,
		Engine:   New(cfg),
		Recorder: rec,
		EnvOptions: envinfo.Options{
			IMDSEndpoint: cfg.Host.IMDSEndpoint,
			SkipIMDS:     cfg.Host.SkipIMDS,
		},
		Stdout: os.Stdout,
		Now:    time.Now,
	}
}

// Run executes the full benchmark matrix.
func (r *Runner) Run(ctx context.Context) (*Session, error) {
	target, err := r.resolveTarget(ctx)
	if err != nil {
		return nil, err
	}

	session := &Session{ID: r.Now().Format(model.FileStampLayout), Target: target}
	output.Logger.Info("Starting benchmark session",
		"session", session.ID,
		"model", target.Model,
		"instance_type", target.InstanceType,
		"hardware", target.Hardware,
		"mode", target.Mode,
	)

	env, err := r.environment(ctx, session)
	if err != nil {
		output.Logger.Error("Failed to save environment information", "error", err)
	}

	var checkpoint *output.JSONLWriter
	if r.Config.HasFormat(config.FormatJSONL) {
		path := r.sessionPath(target, session, "results", "jsonl")
		checkpoint, err = output.NewJSONLWriter(path)
		if err != nil {
			return nil, fmt.Errorf("failed to init JSONL writer at %s: %w", path, err)
		}
		defer checkpoint.Close()
		session.Files = append(session.Files, path)
	}

	runErr := r.runMatrix(ctx, target, env, checkpoint)
	if runErr != nil {
		output.Logger.Warn("Benchmark interrupted, saving collected results", "error", runErr)
	}

	// Saving must survive the interrupt that stopped the matrix.
	if err := r.finish(context.WithoutCancel(ctx), target, session); err != nil {
		return session, err
	}
	return session, runErr
}

func (r *Runner) resolveTarget(ctx context.Context) (Target, error) {
	b := r.Config.Benchmark
	t := Target{
		Model:        r.Config.Server.Model,
		InstanceType: b.InstanceType,
		Hardware:     model.HardwareType(b.HardwareType),
		Mode:         model.ServingMode(b.Mode),
	}

	if t.Model == "" {
		output.Logger.Info("Discovering models...", "url", r.Config.Server.URL)
		models, err := r.Engine.GetModels(ctx, r.Config.Server.URL)
		if err != nil {
			return t, fmt.Errorf("failed to discover models at %s: %w", r.Config.Server.URL, err)
		}
		models = FilterModels(models, r.Config.Server.Exclude)
		if len(models) == 0 {
			return t, fmt.Errorf("no models served at %s", r.Config.Server.URL)
		}
		t.Model = models[0]
		output.Logger.Info("Using served model", "model", t.Model, "available", len(models))
	}
	if t.Hardware == "" {
		t.Hardware = envinfo.DetectHardwareType(ctx, r.EnvOptions)
	}
	if t.InstanceType == "" {
		t.InstanceType = envinfo.DetectInstanceType(ctx, r.EnvOptions)
	}
	return t, nil
}

// environment collects the snapshot forwarded with every record and, when
// configured, saves it next to the results.
func (r *Runner) environment(ctx context.Context, session *Session) (map[string]any, error) {
	if !r.Config.Output.SaveEnv && !r.Recorder.TrackingEnabled() {
		return nil, nil
	}

	b := r.Config.Benchmark
	additional := map[string]any{
		"benchmark_config": map[string]any{
			"server_url":            r.Config.Server.URL,
			"model":                 session.Target.Model,
			"mode":                  session.Target.Mode,
			"scenarios":             b.Scenarios,
			"batch_sizes":           b.BatchSizes,
			"num_runs":              b.NumRuns,
			"max_tokens":            b.MaxTokens,
			"temperature":           b.Temperature,
			"top_p":                 b.TopP,
			"enable_prefix_caching": b.EnablePrefixCaching,
		},
	}

	if !r.Config.Output.SaveEnv {
		snap := envinfo.Collect(ctx, r.EnvOptions)
		snap["additional_info"] = additional
		return snap, nil
	}

	path := filepath.Join(r.Recorder.ResultsDir(), fmt.Sprintf("env_info_%s.json", session.ID))
	snap, err := envinfo.Save(ctx, path, additional, r.EnvOptions)
	if err != nil {
		return nil, err
	}
	session.EnvPath = path
	session.Files = append(session.Files, path)
	return snap, nil
}

func (r *Runner) runMatrix(ctx context.Context, t Target, env map[string]any, checkpoint *output.JSONLWriter) error {
	b := r.Config.Benchmark
	for _, scenario := range b.Scenarios {
		prompts, err := ScenarioPrompts(scenario, b.Prompts)
		if err != nil {
			output.Logger.Error("Skipping scenario", "scenario", scenario, "error", err)
			continue
		}

		for _, batchSize := range b.BatchSizes {
			batch := BatchPrompts(prompts, batchSize)
			output.Logger.Info("Running scenario", "scenario", scenario, "batch_size", batchSize, "runs", b.NumRuns)

			for runIdx := 0; runIdx < b.NumRuns; runIdx++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				rec := r.measure(ctx, t, scenario, batch, runIdx)
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := r.Recorder.AddMetric(ctx, rec, env); err != nil {
					output.Logger.Error("Discarding invalid record", "experiment_id", rec.ExperimentID, "error", err)
					continue
				}
				if checkpoint != nil {
					if err := checkpoint.Write(rec); err != nil {
						output.Logger.Error("Failed to write checkpoint record", "path", checkpoint.Path(), "error", err)
					}
				}
				logRun(rec)
			}
		}
	}
	return nil
}

// measure performs one run and packages it, failed or not.
func (r *Runner) measure(ctx context.Context, t Target, scenario string, batch []string, runIdx int) *model.MetricRecord {
	b := r.Config.Benchmark
	warmup := runIdx == 0
	now := r.Now()

	rec := &model.MetricRecord{
		ExperimentID:        model.CreateExperimentID(t.InstanceType, t.Mode, scenario, now),
		Timestamp:           now.Format(time.RFC3339),
		ModelName:           t.Model,
		InstanceType:        t.InstanceType,
		HardwareType:        t.Hardware,
		ServingMode:         t.Mode,
		BatchSize:           len(batch),
		MaxOutputTokens:     b.MaxTokens,
		EnablePrefixCaching: b.EnablePrefixCaching,
		Temperature:         b.Temperature,
		TopP:                b.TopP,
		Notes:               model.Ptr(fmt.Sprintf("scenario=%s, run=%d, warmup=%t", scenario, runIdx, warmup)),
		Scenario:            model.Ptr(scenario),
		RunIndex:            model.Ptr(runIdx),
		IsWarmup:            model.Ptr(warmup),
	}
	if len(batch) > 0 {
		rec.InputLength = len(batch[0])
	}

	before := r.scrape(ctx)
	creq := CompletionRequest{
		Model:       t.Model,
		Prompts:     batch,
		MaxTokens:   b.MaxTokens,
		Temperature: b.Temperature,
		TopP:        b.TopP,
	}

	start := time.Now()
	var res *CompletionResult
	var err error
	if t.Mode == model.ServingOnline {
		res, err = r.streamBatch(ctx, creq)
	} else {
		res, err = r.Engine.Complete(ctx, r.Config.Server.URL, creq)
	}
	if err != nil {
		rec.TotalTime = time.Since(start).Seconds()
		rec.Error = model.Ptr(err.Error())
		return rec
	}

	rec.TotalTime = res.Total.Seconds()
	rec.ActualInputTokens = res.PromptTokens
	rec.ActualOutputTokens = res.CompletionTokens
	if res.FirstToken != nil {
		ttft := res.FirstToken.Seconds()
		decode := rec.TotalTime - ttft
		rec.FirstTokenLatency = &ttft
		// The client sees the prefill phase as the wait for the first token.
		rec.PrefillTime = model.Ptr(ttft)
		rec.DecodeTime = &decode
	}

	if before != nil {
		after := r.scrape(ctx)
		rec.CacheHitRate = CacheHitRate(before, after)
		rec.MemoryUsedMB = after.ResidentMB()
	}
	return rec
}

// streamBatch streams every prompt of the batch concurrently and folds the
// results into one: tokens add up, the earliest first token wins and the
// total is the wall-clock time of the slowest stream.
func (r *Runner) streamBatch(ctx context.Context, creq CompletionRequest) (*CompletionResult, error) {
	limit := r.Config.Server.Concurrency
	if limit <= 0 || limit > len(creq.Prompts) {
		limit = len(creq.Prompts)
	}
	sem := make(chan struct{}, limit)

	results := make([]*CompletionResult, len(creq.Prompts))
	errs := make([]error, len(creq.Prompts))

	start := time.Now()
	var wg sync.WaitGroup
	for i, prompt := range creq.Prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			one := creq
			one.Prompts = []string{prompt}
			res, err := r.Engine.Stream(ctx, r.Config.Server.URL, one)
			if err != nil {
				errs[i] = err
				return
			}
			// Time to first token is measured from the start of the batch.
			if res.FirstToken != nil {
				ttft := time.Since(start) - res.Total + *res.FirstToken
				res.FirstToken = &ttft
			}
			results[i] = res
		}(i, prompt)
	}
	wg.Wait()

	merged := &CompletionResult{Total: time.Since(start)}
	for i, res := range results {
		if errs[i] != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, errs[i])
		}
		merged.PromptTokens += res.PromptTokens
		merged.CompletionTokens += res.CompletionTokens
		merged.Texts = append(merged.Texts, res.Texts...)
		if res.FirstToken != nil && (merged.FirstToken == nil || *res.FirstToken < *merged.FirstToken) {
			merged.FirstToken = res.FirstToken
		}
	}
	return merged, nil
}

// scrape returns nil when the metrics endpoint is disabled or unreachable.
func (r *Runner) scrape(ctx context.Context) *ServerStats {
	if r.Config.Server.MetricsPath == "" {
		return nil
	}
	stats, err := r.Engine.ScrapeMetrics(ctx, r.Config.Server.URL)
	if err != nil {
		output.Logger.Debug("Server metrics unavailable", "error", err)
		return nil
	}
	return stats
}

// finish writes the session files. Only a failure to save the results JSON
// is returned; the other exports are best effort.
func (r *Runner) finish(ctx context.Context, t Target, session *Session) error {
	session.Records = r.Recorder.Len()

	resultsPath, err := r.Recorder.SaveToJSON(fileName(t, session, "results", "json"))
	if err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	session.ResultsPath = resultsPath
	session.Files = append(session.Files, resultsPath)
	output.Logger.Info("Results saved", "path", resultsPath, "runs", session.Records)

	summaryPath, err := r.Recorder.SaveSummary(fileName(t, session, "summary", "json"))
	if err != nil {
		output.Logger.Error("Failed to save summary", "error", err)
	} else {
		session.SummaryPath = summaryPath
		session.Files = append(session.Files, summaryPath)
	}

	if err := r.Recorder.PrintSummary(r.Stdout); err != nil {
		output.Logger.Error("Failed to print summary", "error", err)
	}

	session.Files = append(session.Files, r.writeExports(ctx, t, session)...)
	r.archive(ctx, session)
	return nil
}

func (r *Runner) writeExports(ctx context.Context, t Target, session *Session) []string {
	records := r.Recorder.Records()
	var files []string

	if r.Config.HasFormat(config.FormatCSV) {
		path := r.sessionPath(t, session, "results", "csv")
		if err := output.WriteCSVFile(path, records); err != nil {
			output.Logger.Error("Failed to write CSV", "path", path, "error", err)
		} else {
			files = append(files, path)
		}
	}
	if r.Config.HasFormat(config.FormatParquet) {
		path := r.sessionPath(t, session, "results", "parquet")
		if err := output.WriteParquetFile(path, records); err != nil {
			output.Logger.Error("Failed to write Parquet", "path", path, "error", err)
		} else {
			files = append(files, path)
		}
	}

	if r.Config.Output.HistoryDB != "" {
		if err := appendHistory(ctx, r.Config.Output.HistoryDB, session.ID, records); err != nil {
			output.Logger.Error("Failed to append to history database", "path", r.Config.Output.HistoryDB, "error", err)
		}
	}
	return files
}

func appendHistory(ctx context.Context, path, sessionID string, records []*model.MetricRecord) error {
	store, err := output.OpenSQLiteStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Append(ctx, sessionID, records)
}

func (r *Runner) archive(ctx context.Context, session *Session) {
	a := r.Config.Archive
	if a.Bucket == "" {
		return
	}
	s3a, err := output.NewS3Archive(ctx, ArchiveOptions(a))
	if err != nil {
		output.Logger.Error("Failed to init S3 archive", "error", err)
		return
	}
	keys, err := s3a.Upload(ctx, session.ID, session.Files...)
	if err != nil {
		output.Logger.Error("Failed to archive session", "bucket", a.Bucket, "error", err)
		return
	}
	output.Logger.Info("Session archived", "bucket", a.Bucket, "objects", len(keys))
}

// ArchiveOptions maps the archive configuration onto the uploader options.
func ArchiveOptions(a config.ArchiveConfig) output.S3Options {
	return output.S3Options{
		Region:          a.Region,
		Bucket:          a.Bucket,
		Prefix:          a.Prefix,
		Endpoint:        a.Endpoint,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
	}
}

// FilterModels drops models whose name contains any exclusion (case-insensitive).
func FilterModels(models, exclude []string) []string {
	var kept []string
	for _, name := range models {
		skip := false
		for _, ex := range exclude {
			if ex != "" && strings.Contains(strings.ToLower(name), strings.ToLower(ex)) {
				output.Logger.Debug("Skipping model (excluded)", "model", name, "filter", ex)
				skip = true
				break
			}
		}
		if !skip {
			kept = append(kept, name)
		}
	}
	return kept
}

func (r *Runner) sessionPath(t Target, session *Session, kind, ext string) string {
	return filepath.Join(r.Recorder.ResultsDir(), fileName(t, session, kind, ext))
}

// fileName follows <mode>_<kind>_<session>.<ext>, e.g. offline_results_20250101_120000.json.
func fileName(t Target, session *Session, kind, ext string) string {
	return fmt.Sprintf("%s_%s_%s.%s", t.Mode, kind, session.ID, ext)
}

func logRun(rec *model.MetricRecord) {
	if rec.Error != nil {
		output.Logger.Error("Run failed",
			"experiment_id", rec.ExperimentID,
			"run", *rec.RunIndex,
			"error", *rec.Error,
		)
		return
	}
	attrs := []any{
		"scenario", *rec.Scenario,
		"batch_size", rec.BatchSize,
		"run", *rec.RunIndex,
		"warmup", *rec.IsWarmup,
		"time", fmt.Sprintf("%.2fs", rec.TotalTime),
		"output_tokens", rec.ActualOutputTokens,
	}
	if rec.TokensPerSecond != nil {
		attrs = append(attrs, "tokens_per_sec", fmt.Sprintf("%.2f", *rec.TokensPerSecond))
	}
	output.Logger.Info("Run complete", attrs...)
}
