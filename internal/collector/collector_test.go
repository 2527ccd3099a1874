package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
	"github.com/daryltucker/forest-bench/internal/tracking"
)

func TestMain(m *testing.M) {
	output.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

var fixedNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "results"))
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func record(instance string, batch int, cache bool, total float64, out int) *model.MetricRecord {
	return &model.MetricRecord{
		ExperimentID:        instance + "_offline_short_20250304_050607",
		Timestamp:           fixedNow.Format(time.RFC3339),
		ModelName:           "Qwen/Qwen3-0.6B-Instruct",
		InstanceType:        instance,
		HardwareType:        model.HardwareGPU,
		ServingMode:         model.ServingOffline,
		BatchSize:           batch,
		InputLength:         48,
		MaxOutputTokens:     128,
		EnablePrefixCaching: cache,
		Temperature:         0.7,
		TopP:                0.9,
		TotalTime:           total,
		ActualInputTokens:   48,
		ActualOutputTokens:  out,
	}
}

func TestNewCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	_, err := New(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewFailsOnFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := New(filepath.Join(file, "sub"))
	assert.Error(t, err)
}

func TestAddMetricComputesDerived(t *testing.T) {
	c := newTestCollector(t)
	rec := record("g5.xlarge", 1, false, 2.0, 20)
	require.NoError(t, c.AddMetric(rec))

	require.Equal(t, 1, c.Len())
	require.NotNil(t, c.Records()[0].TokensPerSecond)
	assert.Equal(t, 10.0, *c.Records()[0].TokensPerSecond)
}

func TestAddMetricRejectsInvalid(t *testing.T) {
	c := newTestCollector(t)
	rec := record("g5.xlarge", 0, false, 2.0, 20)

	err := c.AddMetric(rec)
	require.Error(t, err)
	assert.True(t, model.IsValidationError(err))
	assert.Equal(t, 0, c.Len())
}

func TestSaveToJSONDefaultName(t *testing.T) {
	c := newTestCollector(t)
	require.NoError(t, c.AddMetric(record("g5.xlarge", 1, false, 2.0, 20)))

	path, err := c.SaveToJSON("")
	require.NoError(t, err)
	assert.Equal(t, "benchmark_results_20250304_050607.json", filepath.Base(path))
}

func TestSaveToJSONRoundTrip(t *testing.T) {
	c := newTestCollector(t)
	withTTFT := record("g5.xlarge", 4, true, 3.0, 60)
	withTTFT.FirstTokenLatency = model.Ptr(0.12)
	withTTFT.DecodeTime = model.Ptr(2.5)
	withTTFT.Scenario = model.Ptr("prefix_caching")
	withTTFT.RunIndex = model.Ptr(2)
	withTTFT.IsWarmup = model.Ptr(false)
	require.NoError(t, c.AddMetric(record("g5.xlarge", 1, false, 2.0, 20)))
	require.NoError(t, c.AddMetric(withTTFT))
	require.NoError(t, c.AddMetric(record("inf2.xlarge", 1, false, 1.0, 0)))

	path, err := c.SaveToJSON("results.json")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic struct {
		Metadata map[string]any   `json:"metadata"`
		Results  []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, float64(3), generic.Metadata["total_runs"])
	assert.Equal(t, "2025-03-04T05:06:07Z", generic.Metadata["generated_at"])
	require.Len(t, generic.Results, 3)

	for i, rec := range c.Records() {
		expected, err := json.Marshal(rec.ToMap())
		require.NoError(t, err)
		var want map[string]any
		require.NoError(t, json.Unmarshal(expected, &want))
		assert.Equal(t, want, generic.Results[i])
	}

	loaded, err := LoadResults(path)
	require.NoError(t, err)
	assert.Equal(t, c.Records(), loaded.Results)
}

func TestSaveToJSONEmptyCollector(t *testing.T) {
	c := newTestCollector(t)
	path, err := c.SaveToJSON("empty.json")
	require.NoError(t, err)

	loaded, err := LoadResults(path)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Metadata.TotalRuns)
	assert.Empty(t, loaded.Results)
}

func TestSaveToJSONWriteFailure(t *testing.T) {
	c := newTestCollector(t)
	require.NoError(t, os.RemoveAll(c.ResultsDir()))

	_, err := c.SaveToJSON("x.json")
	assert.Error(t, err)
}

func TestLoadResultsBackfillsLegacyNotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.json")
	doc := `{"metadata":{"total_runs":1,"generated_at":"2024-01-01T00:00:00"},
	"results":[{"experiment_id":"x","notes":"scenario=long, run=0, warmup=True"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	loaded, err := LoadResults(path)
	require.NoError(t, err)
	require.Len(t, loaded.Results, 1)
	assert.True(t, loaded.Results[0].Warmup())
	assert.Equal(t, "long", *loaded.Results[0].Scenario)
	assert.Equal(t, 0, *loaded.Results[0].RunIndex)
}

func TestSummarizeTwoConfigurations(t *testing.T) {
	c := newTestCollector(t)
	require.NoError(t, c.AddMetric(record("g5.xlarge", 1, false, 2.0, 20)))
	require.NoError(t, c.AddMetric(record("g5.xlarge", 1, false, 4.0, 20)))
	require.NoError(t, c.AddMetric(record("g5.xlarge", 4, false, 2.0, 80)))

	summary := c.Summarize()
	require.Len(t, summary, 2)

	one := summary["g5.xlarge_offline_bs1_in48_out128_cacheFalse"]
	require.NotNil(t, one)
	assert.Equal(t, 2, one.Count)
	assert.Equal(t, 7.5, *one.TokensPerSecond.Mean)
	assert.Equal(t, 5.0, *one.TokensPerSecond.Min)
	assert.Equal(t, 10.0, *one.TokensPerSecond.Max)
	assert.Equal(t, 150.0, *one.TimePerTokenMS.Mean)

	four := summary["g5.xlarge_offline_bs4_in48_out128_cacheFalse"]
	require.NotNil(t, four)
	assert.Equal(t, 1, four.Count)
	assert.Equal(t, 4, four.BatchSize)
}

func TestSaveSummaryNullStats(t *testing.T) {
	c := newTestCollector(t)
	require.NoError(t, c.AddMetric(record("g5.xlarge", 1, true, 2.0, 20)))
	require.NoError(t, c.AddMetric(record("g5.xlarge", 1, true, 2.0, 20)))

	path, err := c.SaveSummary("")
	require.NoError(t, err)
	assert.Equal(t, "benchmark_summary_20250304_050607.json", filepath.Base(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Metadata map[string]any            `json:"metadata"`
		Summary  map[string]map[string]any `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(1), doc.Metadata["total_configurations"])

	group := doc.Summary["g5.xlarge_offline_bs1_in48_out128_cacheTrue"]
	require.NotNil(t, group)
	assert.Equal(t, float64(2), group["count"])
	assert.Equal(t, map[string]any{"mean": nil, "min": nil, "max": nil}, group["first_token_latency_sec"])
}

func TestPrintSummaryGroupsInKeyOrder(t *testing.T) {
	c := newTestCollector(t)
	require.NoError(t, c.AddMetric(record("inf2.xlarge", 1, false, 2.0, 20)))
	for _, bs := range []int{8, 1, 4} {
		require.NoError(t, c.AddMetric(record("g5.xlarge", bs, bs == 4, 2.0, 20)))
	}
	noTokens := record("g5.xlarge", 2, false, 2.0, 0)
	require.NoError(t, c.AddMetric(noTokens))

	var buf bytes.Buffer
	require.NoError(t, c.PrintSummary(&buf))
	out := buf.String()

	assert.Contains(t, out, "Benchmark Summary (5 runs)")
	assert.Equal(t, 1, strings.Count(out, "\ng5.xlarge_offline:\n"))
	assert.Less(t, strings.Index(out, "g5.xlarge_offline:"), strings.Index(out, "inf2.xlarge_offline:"))

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "  BS=") {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 5)
	assert.Equal(t, "  BS= 8 | In=  48 | Out= 20/128 | Cache:✗ |  10.00 tok/s | 100.00 ms/tok", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "  BS= 1 |"))
	assert.Contains(t, lines[2], "Cache:✓")
	assert.Equal(t, "  BS= 2 | In=  48 | Out=  0/128 | Cache:✗ |    n/a tok/s |    n/a ms/tok", lines[3])
	assert.True(t, strings.HasPrefix(lines[4], "  BS= 1 |"))
}

func TestPrintSummaryEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestCollector(t).PrintSummary(&buf))
	assert.Equal(t, "No metrics collected yet.\n", buf.String())
}

func writeResults(t *testing.T, dir, name string, recs ...*model.MetricRecord) string {
	t.Helper()
	c, err := New(dir)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, c.AddMetric(rec))
	}
	path, err := c.SaveToJSON(name)
	require.NoError(t, err)
	return path
}

func TestMergeResultsSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	a := writeResults(t, dir, "a.json", record("g5.xlarge", 1, false, 2, 20), record("g5.xlarge", 4, false, 2, 80))
	b := writeResults(t, dir, "b.json", record("inf2.xlarge", 1, false, 2, 20))
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	merged := MergeResults(a, filepath.Join(dir, "missing.json"), bad, b)
	assert.Equal(t, 3, merged.Metadata.TotalRuns)
	assert.Len(t, merged.Metadata.SourceFiles, 4)
	assert.Equal(t, []string{"g5.xlarge", "inf2.xlarge"}, merged.InstanceTypes())

	out := filepath.Join(dir, "merged", "merged_results.json")
	require.NoError(t, SaveMerged(out, merged))
	loaded, err := LoadResults(out)
	require.NoError(t, err)
	assert.Len(t, loaded.Results, 3)
}

func TestWriteReport(t *testing.T) {
	warm := record("g5.xlarge", 1, false, 0.1, 100)
	warm.IsWarmup = model.Ptr(true)

	recs := []*model.MetricRecord{warm}
	for _, run := range []struct {
		cache bool
		total float64
	}{{false, 2}, {false, 4}, {true, 1}} {
		rec := record("g5.xlarge", 1, run.cache, run.total, 20)
		rec.IsWarmup = model.Ptr(false)
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		rec.ComputeDerivedMetrics()
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, recs))
	out := buf.String()

	assert.Contains(t, out, "Total runs: 4")
	assert.Contains(t, out, "Instance types: g5.xlarge")
	assert.Contains(t, out, "Best tokens/sec: 20.00")
	assert.Contains(t, out, "Worst tokens/sec: 5.00")
	assert.NotContains(t, out, "1000.00")
	assert.Contains(t, out, "Without caching: 7.50 tokens/sec")
	assert.Contains(t, out, "With caching: 20.00 tokens/sec")
	assert.Contains(t, out, "Improvement: +166.7%")
}

func TestWriteReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, nil))
	assert.Empty(t, buf.String())
}

// fakeSink records calls and can fail on demand.
type fakeSink struct {
	runs      []string
	params    []map[string]string
	metrics   []map[string]float64
	tags      []map[string]string
	artifacts []string
	ended     []tracking.RunStatus
	failOn    string
	calls     int
}

func (f *fakeSink) fail(op string) error {
	f.calls++
	if f.failOn == op {
		return errors.New(op + " failed")
	}
	return nil
}

func (f *fakeSink) StartRun(_ context.Context, name string) (string, error) {
	if err := f.fail("start"); err != nil {
		return "", err
	}
	f.runs = append(f.runs, name)
	return "run-" + name, nil
}

func (f *fakeSink) LogParams(_ context.Context, _ string, p map[string]string) error {
	f.params = append(f.params, p)
	return f.fail("params")
}

func (f *fakeSink) LogMetrics(_ context.Context, _ string, m map[string]float64) error {
	f.metrics = append(f.metrics, m)
	return f.fail("metrics")
}

func (f *fakeSink) SetTags(_ context.Context, _ string, tags map[string]string) error {
	f.tags = append(f.tags, tags)
	return f.fail("tags")
}

func (f *fakeSink) LogArtifact(_ context.Context, _ string, localPath, artifactPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.artifacts = append(f.artifacts, artifactPath+"/"+filepath.Base(localPath)+":"+string(data))
	return f.fail("artifact")
}

func (f *fakeSink) EndRun(_ context.Context, _ string, status tracking.RunStatus) error {
	f.ended = append(f.ended, status)
	return nil
}

func (f *fakeSink) SearchRuns(context.Context) ([]tracking.Run, error) {
	var runs []tracking.Run
	for _, m := range f.metrics {
		runs = append(runs, tracking.Run{Metrics: m})
	}
	return runs, nil
}

func dialTo(s tracking.Sink) tracking.Dialer {
	return func(context.Context) (tracking.Sink, error) { return s, nil }
}

func TestRecorderDialFailureDegrades(t *testing.T) {
	ctx := context.Background()
	failing := func(context.Context) (tracking.Sink, error) { return nil, errors.New("connection refused") }

	r := NewRecorder(ctx, newTestCollector(t), true, failing)
	assert.False(t, r.TrackingEnabled())

	for i := 1; i <= 3; i++ {
		require.NoError(t, r.AddMetric(ctx, record("g5.xlarge", i, false, 2, 20), nil))
		assert.Equal(t, i, r.Len())
	}

	_, err := r.ListRuns(ctx)
	assert.ErrorIs(t, err, ErrTrackingDisabled)
}

func TestRecorderDisabledNeverDials(t *testing.T) {
	dialed := false
	dial := func(context.Context) (tracking.Sink, error) {
		dialed = true
		return &fakeSink{}, nil
	}
	r := NewRecorder(context.Background(), newTestCollector(t), false, dial)
	assert.False(t, dialed)
	assert.False(t, r.TrackingEnabled())
}

func TestRecorderForwardsRun(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	r := NewRecorder(ctx, newTestCollector(t), true, dialTo(sink))
	require.True(t, r.TrackingEnabled())

	rec := record("g5.xlarge", 4, true, 2, 20)
	rec.Scenario = model.Ptr("short")
	rec.IsWarmup = model.Ptr(false)
	require.NoError(t, r.AddMetric(ctx, rec, map[string]any{"cpu": map[string]any{"count": 8}}))

	require.Equal(t, []string{rec.ExperimentID}, sink.runs)
	assert.Equal(t, "4", sink.params[0]["batch_size"])
	assert.Equal(t, "true", sink.params[0]["enable_prefix_caching"])
	assert.Equal(t, "0.7", sink.params[0]["temperature"])
	assert.Equal(t, 10.0, sink.metrics[0]["tokens_per_second"])
	assert.Equal(t, 100.0, sink.metrics[0]["time_per_token_ms"])
	assert.NotContains(t, sink.metrics[0], "first_token_latency")
	assert.Equal(t, "short", sink.tags[0]["scenario"])
	assert.Equal(t, "false", sink.tags[0]["is_warmup"])
	assert.NotContains(t, sink.tags[0], "error")

	require.Len(t, sink.artifacts, 1)
	name, body, _ := strings.Cut(sink.artifacts[0], ":")
	assert.Equal(t, "environment/env_info_"+rec.ExperimentID+".json", name)
	assert.JSONEq(t, `{"cpu":{"count":8}}`, body)
	assert.Equal(t, []tracking.RunStatus{tracking.RunFinished}, sink.ended)

	cmp, err := r.CompareRuns(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp.TotalRuns)
	assert.Equal(t, 10.0, cmp.MetricComparison["tokens_per_second"].Mean)
}

func TestRecorderRemovesTempArtifact(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	sink := &fakeSink{failOn: "artifact"}
	r := NewRecorder(ctx, newTestCollector(t), true, dialTo(sink))
	require.NoError(t, r.AddMetric(ctx, record("g5.xlarge", 1, false, 2, 20), map[string]any{"k": "v"}))

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []tracking.RunStatus{tracking.RunFailed}, sink.ended)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecorderSwallowsForwardErrors(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{failOn: "metrics"}
	r := NewRecorder(ctx, newTestCollector(t), true, dialTo(sink))

	require.NoError(t, r.AddMetric(ctx, record("g5.xlarge", 1, false, 2, 20), nil))
	assert.Equal(t, 1, r.Len())
	assert.Empty(t, sink.tags)
}

func TestRecorderValidationErrorNotForwarded(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	r := NewRecorder(ctx, newTestCollector(t), true, dialTo(sink))

	err := r.AddMetric(ctx, record("g5.xlarge", -1, false, 2, 20), nil)
	assert.True(t, model.IsValidationError(err))
	assert.Equal(t, 0, sink.calls)
}

func TestRecorderBreakerStopsForwarding(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{failOn: "start"}
	r := NewRecorder(ctx, newTestCollector(t), true, dialTo(sink)).
		WithBreaker(tracking.NewBreaker(2, time.Hour))

	for i := 0; i < 5; i++ {
		require.NoError(t, r.AddMetric(ctx, record("g5.xlarge", 1, false, 2, 20), nil))
	}
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, 2, sink.calls)
}
