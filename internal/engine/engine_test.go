package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/forest-bench/internal/collector"
	"github.com/daryltucker/forest-bench/internal/config"
	"github.com/daryltucker/forest-bench/internal/envinfo"
	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

func TestMain(m *testing.M) {
	output.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

const testModel = "Qwen/Qwen3-0.6B-Instruct"

// fakeServer mimics the parts of a vLLM OpenAI-compatible server the
// engine uses.
type fakeServer struct {
	mu          sync.Mutex
	completions int
	unavailable int // answer this many completion calls with 503 first
	status      int // forced status for every completion call
	noUsage     bool
	noDone      bool
	queries     float64
	hits        float64
	auth        string
}

func newFakeServer(t *testing.T, f *fakeServer) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"bge-embed-small"},{"id":"` + testModel + `"}]}`))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprintf(w, "# HELP vllm:prefix_cache_queries Prefix cache queries, in terms of number of queried tokens.\n")
		fmt.Fprintf(w, "# TYPE vllm:prefix_cache_queries counter\n")
		fmt.Fprintf(w, "vllm:prefix_cache_queries_total{model_name=%q} %g\n", testModel, f.queries)
		fmt.Fprintf(w, "# TYPE vllm:prefix_cache_hits counter\n")
		fmt.Fprintf(w, "vllm:prefix_cache_hits_total{model_name=%q} %g\n", testModel, f.hits)
		fmt.Fprintf(w, "# TYPE process_resident_memory_bytes gauge\n")
		fmt.Fprintf(w, "process_resident_memory_bytes 2.097152e+09\n")
	})

	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.completions++
		f.auth = r.Header.Get("Authorization")
		status := f.status
		if f.unavailable > 0 {
			f.unavailable--
			status = http.StatusServiceUnavailable
		}
		if status == 0 {
			f.queries += 100
			f.hits += 40
		}
		f.mu.Unlock()

		if status != 0 {
			http.Error(w, `{"object":"error","message":"nope"}`, status)
			return
		}

		var req struct {
			Prompt json.RawMessage `json:"prompt"`
			Stream bool            `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Stream {
			f.writeStream(w)
			return
		}

		var prompts []string
		require.NoError(t, json.Unmarshal(req.Prompt, &prompts))
		choices := make([]map[string]any, len(prompts))
		for i := range prompts {
			// reversed order: the client must place texts by index
			choices[len(prompts)-1-i] = map[string]any{"index": i, "text": fmt.Sprintf("answer %d", i)}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": choices,
			"usage": map[string]int{
				"prompt_tokens":     10 * len(prompts),
				"completion_tokens": 8 * len(prompts),
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeServer) writeStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	lines := []string{
		`data: {"choices":[{"index":0,"text":""}]}`,
		`data: {"choices":[{"index":0,"text":"Hel"}]}`,
		`: keep-alive`,
		`data: not-json`,
		`data: {"choices":[{"index":0,"text":"lo"}]}`,
	}
	if !f.noUsage {
		lines = append(lines, `data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3}}`)
	}
	if !f.noDone {
		lines = append(lines, `data: [DONE]`)
	}
	for _, line := range lines {
		fmt.Fprintf(w, "%s\n\n", line)
		flusher.Flush()
		time.Sleep(2 * time.Millisecond)
	}
}

func testConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.URL = url
	cfg.Server.RetryDelay = time.Millisecond
	cfg.Server.RequestTimeout = 5 * time.Second
	cfg.Benchmark.InstanceType = "g5.xlarge"
	cfg.Benchmark.HardwareType = "gpu"
	cfg.Benchmark.NumRuns = 2
	cfg.Benchmark.Scenarios = []string{"short"}
	cfg.Benchmark.BatchSizes = []int{1, 4}
	cfg.Output.Dir = t.TempDir()
	cfg.Output.Formats = []string{config.FormatCSV, config.FormatJSONL}
	return cfg
}

func notFound(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func testRunner(t *testing.T, cfg *config.Config) (*Runner, *bytes.Buffer) {
	t.Helper()
	c, err := collector.New(cfg.Output.Dir)
	require.NoError(t, err)

	r := NewRunner(cfg, collector.NewRecorder(context.Background(), c, false, nil))
	stdout := &bytes.Buffer{}
	r.Stdout = stdout
	r.Now = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }
	r.EnvOptions = envinfo.Options{
		ProcRoot: filepath.Join(t.TempDir(), "proc"),
		SysRoot:  filepath.Join(t.TempDir(), "sys"),
		SkipIMDS: true,
		Run:      notFound,
		PCIName:  func(string, string) string { return "" },
	}
	return r, stdout
}

func TestGetModels(t *testing.T) {
	srv := newFakeServer(t, &fakeServer{})
	e := New(testConfig(t, srv.URL))

	models, err := e.GetModels(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, []string{"bge-embed-small", testModel}, models)
	assert.Equal(t, []string{testModel}, FilterModels(models, []string{"EMBED"}))
}

func TestGetModelsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(testConfig(t, url)).GetModels(context.Background(), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network/connection error")
}

func TestCompleteBatched(t *testing.T) {
	fake := &fakeServer{}
	srv := newFakeServer(t, fake)
	cfg := testConfig(t, srv.URL)
	cfg.Server.APIKey = "secret"

	res, err := New(cfg).Complete(context.Background(), srv.URL, CompletionRequest{
		Model: testModel, Prompts: []string{"a", "b", "c"}, MaxTokens: 16, TopP: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 30, res.PromptTokens)
	assert.Equal(t, 24, res.CompletionTokens)
	assert.Equal(t, []string{"answer 0", "answer 1", "answer 2"}, res.Texts)
	assert.Nil(t, res.FirstToken)
	assert.Positive(t, res.Total)
	assert.Equal(t, "Bearer secret", fake.auth)
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	fake := &fakeServer{unavailable: 2}
	srv := newFakeServer(t, fake)

	res, err := New(testConfig(t, srv.URL)).Complete(context.Background(), srv.URL, CompletionRequest{
		Model: testModel, Prompts: []string{"a"}, MaxTokens: 16,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, res.CompletionTokens)
	assert.Equal(t, 3, fake.completions)
}

func TestCompleteGivesUpAfterMaxRetries(t *testing.T) {
	fake := &fakeServer{status: http.StatusBadGateway}
	srv := newFakeServer(t, fake)

	_, err := New(testConfig(t, srv.URL)).Complete(context.Background(), srv.URL, CompletionRequest{
		Model: testModel, Prompts: []string{"a"}, MaxTokens: 16,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, 3, fake.completions)
}

func TestCompleteClientErrorIsNotRetried(t *testing.T) {
	fake := &fakeServer{status: http.StatusBadRequest}
	srv := newFakeServer(t, fake)

	_, err := New(testConfig(t, srv.URL)).Complete(context.Background(), srv.URL, CompletionRequest{
		Model: testModel, Prompts: []string{"a"}, MaxTokens: 16,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, 1, fake.completions)
}

func TestStreamMeasuresFirstToken(t *testing.T) {
	srv := newFakeServer(t, &fakeServer{})

	res, err := New(testConfig(t, srv.URL)).Stream(context.Background(), srv.URL, CompletionRequest{
		Model: testModel, Prompts: []string{"hi"}, MaxTokens: 16,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, res.Texts)
	assert.Equal(t, 7, res.PromptTokens)
	assert.Equal(t, 3, res.CompletionTokens)
	require.NotNil(t, res.FirstToken)
	assert.Less(t, *res.FirstToken, res.Total)
}

func TestStreamWithoutUsageCountsChunks(t *testing.T) {
	srv := newFakeServer(t, &fakeServer{noUsage: true})

	res, err := New(testConfig(t, srv.URL)).Stream(context.Background(), srv.URL, CompletionRequest{
		Model: testModel, Prompts: []string{"hi"}, MaxTokens: 16,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.PromptTokens)
	assert.Equal(t, 2, res.CompletionTokens)
}

func TestStreamIncomplete(t *testing.T) {
	fake := &fakeServer{noDone: true}
	srv := newFakeServer(t, fake)

	_, err := New(testConfig(t, srv.URL)).Stream(context.Background(), srv.URL, CompletionRequest{
		Model: testModel, Prompts: []string{"hi"}, MaxTokens: 16,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream incomplete")
	assert.Equal(t, 3, fake.completions)
}

func TestStreamRejectsBatches(t *testing.T) {
	_, err := New(testConfig(t, "http://unused")).Stream(context.Background(), "http://unused", CompletionRequest{
		Prompts: []string{"a", "b"},
	})
	assert.Error(t, err)
}

func TestScrapeMetrics(t *testing.T) {
	fake := &fakeServer{queries: 200, hits: 50}
	srv := newFakeServer(t, fake)
	e := New(testConfig(t, srv.URL))

	before, err := e.ScrapeMetrics(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 200.0, before.PrefixQueries)
	assert.Equal(t, 50.0, before.PrefixHits)
	assert.Nil(t, before.HitRate)
	require.NotNil(t, before.ResidentMB())
	assert.InDelta(t, 2000.0, *before.ResidentMB(), 1e-9)

	fake.mu.Lock()
	fake.queries, fake.hits = 300, 80
	fake.mu.Unlock()
	after, err := e.ScrapeMetrics(context.Background(), srv.URL)
	require.NoError(t, err)
	rate := CacheHitRate(before, after)
	require.NotNil(t, rate)
	assert.InDelta(t, 0.3, *rate, 1e-9)

	assert.Nil(t, CacheHitRate(after, before), "counter reset yields no rate")
	assert.Nil(t, CacheHitRate(nil, after))

	gauge := 0.75
	assert.Equal(t, &gauge, CacheHitRate(&ServerStats{}, &ServerStats{HitRate: &gauge}))
}

func TestScrapeMetricsDisabled(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	cfg.Server.MetricsPath = ""
	_, err := New(cfg).ScrapeMetrics(context.Background(), cfg.Server.URL)
	assert.Error(t, err)
}

func TestRunnerOfflineSession(t *testing.T) {
	srv := newFakeServer(t, &fakeServer{})
	cfg := testConfig(t, srv.URL)
	r, stdout := testRunner(t, cfg)

	session, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "20250101_120000", session.ID)
	assert.Equal(t, testModel, session.Target.Model, "excluded models are skipped during discovery")
	assert.Equal(t, 4, session.Records)
	for _, name := range []string{
		"offline_results_20250101_120000.json",
		"offline_summary_20250101_120000.json",
		"offline_results_20250101_120000.csv",
		"offline_results_20250101_120000.jsonl",
		"env_info_20250101_120000.json",
	} {
		assert.FileExists(t, filepath.Join(cfg.Output.Dir, name))
		assert.Contains(t, session.Files, filepath.Join(cfg.Output.Dir, name))
	}
	assert.Contains(t, stdout.String(), "Benchmark Summary (4 runs)")
	assert.Contains(t, stdout.String(), "g5.xlarge_offline")

	doc, err := collector.LoadResults(session.ResultsPath)
	require.NoError(t, err)
	require.Len(t, doc.Results, 4)

	first, second := doc.Results[0], doc.Results[1]
	assert.Equal(t, "g5.xlarge_offline_short_20250101_120000", first.ExperimentID)
	assert.Equal(t, 1, first.BatchSize)
	assert.Equal(t, len(DefaultPrompts["short"][0]), first.InputLength)
	assert.Equal(t, 10, first.ActualInputTokens)
	assert.Equal(t, 8, first.ActualOutputTokens)
	assert.True(t, first.Warmup())
	assert.False(t, second.Warmup())
	assert.Equal(t, 1, *second.RunIndex)
	assert.Equal(t, "scenario=short, run=1, warmup=false", *second.Notes)
	require.NotNil(t, first.TokensPerSecond)
	require.NotNil(t, first.CacheHitRate)
	assert.InDelta(t, 0.4, *first.CacheHitRate, 1e-9)
	require.NotNil(t, first.MemoryUsedMB)
	assert.InDelta(t, 2000.0, *first.MemoryUsedMB, 1e-9)
	assert.Nil(t, first.FirstTokenLatency)

	big := doc.Results[2]
	assert.Equal(t, 4, big.BatchSize)
	assert.Equal(t, 40, big.ActualInputTokens)
	assert.Equal(t, 32, big.ActualOutputTokens)
}

func TestRunnerOnlineSession(t *testing.T) {
	srv := newFakeServer(t, &fakeServer{})
	cfg := testConfig(t, srv.URL)
	cfg.Server.Model = testModel
	cfg.Benchmark.Mode = "online"
	cfg.Benchmark.BatchSizes = []int{3}
	cfg.Benchmark.NumRuns = 1
	cfg.Server.Concurrency = 2
	cfg.Output.Formats = nil
	r, _ := testRunner(t, cfg)

	session, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, "online_results_20250101_120000.json"))

	records := r.Recorder.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, model.ServingOnline, rec.ServingMode)
	assert.Equal(t, 3, rec.BatchSize)
	assert.Equal(t, 21, rec.ActualInputTokens)
	assert.Equal(t, 9, rec.ActualOutputTokens)
	require.NotNil(t, rec.FirstTokenLatency)
	require.NotNil(t, rec.DecodeTime)
	assert.InDelta(t, rec.TotalTime, *rec.FirstTokenLatency+*rec.DecodeTime, 1e-9)
	assert.NotNil(t, rec.InterTokenLatency)
	assert.Equal(t, 1, session.Records)
}

func TestRunnerRecordsFailedRuns(t *testing.T) {
	srv := newFakeServer(t, &fakeServer{status: http.StatusBadRequest})
	cfg := testConfig(t, srv.URL)
	cfg.Server.Model = testModel
	cfg.Benchmark.BatchSizes = []int{1}
	r, stdout := testRunner(t, cfg)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	records := r.Recorder.Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		require.NotNil(t, rec.Error)
		assert.Contains(t, *rec.Error, "400")
		assert.Zero(t, rec.ActualOutputTokens)
		assert.Nil(t, rec.TokensPerSecond)
		assert.GreaterOrEqual(t, rec.TotalTime, 0.0)
	}
	assert.Contains(t, stdout.String(), "n/a tok/s")
}

func TestRunnerInterruptedSessionStillSaves(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Server.Model = testModel
	r, _ := testRunner(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, session)

	doc, err := collector.LoadResults(session.ResultsPath)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Metadata.TotalRuns)
}

func TestRunnerUnknownScenarioIsSkipped(t *testing.T) {
	srv := newFakeServer(t, &fakeServer{})
	cfg := testConfig(t, srv.URL)
	cfg.Server.Model = testModel
	cfg.Benchmark.Scenarios = []string{"does-not-exist", "custom"}
	cfg.Benchmark.Prompts = map[string][]string{"custom": {"one", "two"}}
	cfg.Benchmark.BatchSizes = []int{1}
	cfg.Benchmark.NumRuns = 1
	r, _ := testRunner(t, cfg)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	records := r.Recorder.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "custom", *records[0].Scenario)
	assert.Equal(t, 3, records[0].InputLength)
}

func TestBatchPrompts(t *testing.T) {
	prompts := []string{"a", "b", "c"}
	assert.Equal(t, []string{"a"}, BatchPrompts(prompts, 1))
	assert.Equal(t, []string{"a", "b", "c", "a", "b"}, BatchPrompts(prompts, 5))
	assert.Nil(t, BatchPrompts(nil, 4))
}

func TestScenarioPrompts(t *testing.T) {
	p, err := ScenarioPrompts("prefix_caching", nil)
	require.NoError(t, err)
	assert.Len(t, p, 8)
	for _, prompt := range p {
		assert.Contains(t, prompt, prefixPreamble)
	}

	p, err = ScenarioPrompts("short", map[string][]string{"short": {"override"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"override"}, p)

	_, err = ScenarioPrompts("nope", nil)
	assert.ErrorContains(t, err, "long")
}
