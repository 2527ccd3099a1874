/*
PURPOSE:
  MLflow tracking server client speaking the REST API 2.0.
  Implements Sink and Querier for the dual-sink recorder.

REQUIREMENTS:
  User-specified:
  - Create or reuse a named experiment on connect.
  - One MLflow run per benchmark record (params, metrics, tags, env artifact).
  - List all runs of the experiment for comparison.

  Implementation-discovered:
  - Artifacts can only be uploaded through the tracking server when it proxies
    artifact storage (artifact_uri scheme "mlflow-artifacts:").
  - Metrics/params/tags all go through runs/log-batch.

ARCHITECTURE INTEGRATION:
  - Called by: internal/collector/recorder.go, internal/cli/runs.go
  - Uses: net/http

ERROR HANDLING:
  - Non-2xx responses become *APIError with MLflow's error_code/message.
  - Connection setup errors are returned by the Dialer; the recorder degrades.

IMPLEMENTATION RULES:
  - Enforce timeouts on the http.Client.
  - Deterministic ordering of params/tags (sorted keys) for reproducible requests.

USAGE:
  dial := tracking.DialMLflow("http://localhost:5000", "vllm-benchmark", 10*time.Second)
  sink, err := dial(ctx)

SELF-HEALING INSTRUCTIONS:
  - If MLflow changes endpoints, update the api* constants.

RELATED FILES:
  - internal/tracking/sink.go

MAINTENANCE:
  - Update for new MLflow API features.
*/

package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/daryltucker/forest-bench/internal/output"
)

const (
	apiGetExperimentByName = "/api/2.0/mlflow/experiments/get-by-name"
	apiCreateExperiment    = "/api/2.0/mlflow/experiments/create"
	apiCreateRun           = "/api/2.0/mlflow/runs/create"
	apiUpdateRun           = "/api/2.0/mlflow/runs/update"
	apiLogBatch            = "/api/2.0/mlflow/runs/log-batch"
	apiSearchRuns          = "/api/2.0/mlflow/runs/search"
	apiArtifacts           = "/api/2.0/mlflow-artifacts/artifacts/"

	proxiedArtifactScheme = "mlflow-artifacts:"
)

// APIError is an error response from the MLflow server.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mlflow API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// MLflowClient talks to one experiment on an MLflow tracking server.
type MLflowClient struct {
	baseURL        string
	experimentName string
	experimentID   string
	client         *http.Client

	mu           sync.Mutex
	artifactURIs map[string]string
}

// NewMLflowClient creates a client. It does not contact the server; use
// Connect (or DialMLflow) for that.
func NewMLflowClient(trackingURI, experimentName string, timeout time.Duration) *MLflowClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MLflowClient{
		baseURL:        strings.TrimRight(trackingURI, "/"),
		experimentName: experimentName,
		client:         &http.Client{Timeout: timeout},
		artifactURIs:   make(map[string]string),
	}
}

// DialMLflow returns a Dialer that connects to the experiment, creating it
// when it does not exist yet.
func DialMLflow(trackingURI, experimentName string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Sink, error) {
		c := NewMLflowClient(trackingURI, experimentName, timeout)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ExperimentID returns the id resolved by Connect.
func (c *MLflowClient) ExperimentID() string {
	return c.experimentID
}

// Connect resolves the experiment id, creating the experiment if needed.
func (c *MLflowClient) Connect(ctx context.Context) error {
	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	query := url.Values{"experiment_name": {c.experimentName}}
	err := c.do(ctx, http.MethodGet, apiGetExperimentByName+"?"+query.Encode(), nil, &got)
	if err == nil {
		c.experimentID = got.Experiment.ExperimentID
		output.Logger.Info("Using existing MLflow experiment", "experiment", c.experimentName, "id", c.experimentID)
		return nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "RESOURCE_DOES_NOT_EXIST" {
		return fmt.Errorf("failed to look up MLflow experiment %q: %w", c.experimentName, err)
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := c.do(ctx, http.MethodPost, apiCreateExperiment, map[string]any{"name": c.experimentName}, &created); err != nil {
		return fmt.Errorf("failed to create MLflow experiment %q: %w", c.experimentName, err)
	}
	c.experimentID = created.ExperimentID
	output.Logger.Info("Created new MLflow experiment", "experiment", c.experimentName, "id", c.experimentID)
	return nil
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metricEntry struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type runPayload struct {
	Info struct {
		RunID       string `json:"run_id"`
		RunName     string `json:"run_name"`
		Status      string `json:"status"`
		StartTime   int64  `json:"start_time"`
		ArtifactURI string `json:"artifact_uri"`
	} `json:"info"`
	Data struct {
		Metrics []metricEntry `json:"metrics"`
		Params  []keyValue    `json:"params"`
		Tags    []keyValue    `json:"tags"`
	} `json:"data"`
}

// StartRun creates a run named runName.
func (c *MLflowClient) StartRun(ctx context.Context, runName string) (string, error) {
	req := map[string]any{
		"experiment_id": c.experimentID,
		"run_name":      runName,
		"start_time":    time.Now().UnixMilli(),
		"tags":          []keyValue{{Key: "mlflow.runName", Value: runName}},
	}
	var resp struct {
		Run runPayload `json:"run"`
	}
	if err := c.do(ctx, http.MethodPost, apiCreateRun, req, &resp); err != nil {
		return "", err
	}

	runID := resp.Run.Info.RunID
	c.mu.Lock()
	c.artifactURIs[runID] = resp.Run.Info.ArtifactURI
	c.mu.Unlock()
	return runID, nil
}

// LogParams logs string parameters.
func (c *MLflowClient) LogParams(ctx context.Context, runID string, params map[string]string) error {
	return c.logBatch(ctx, map[string]any{"run_id": runID, "params": sortedKeyValues(params)})
}

// LogMetrics logs metric values at step 0.
func (c *MLflowClient) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	now := time.Now().UnixMilli()
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]metricEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, metricEntry{Key: k, Value: metrics[k], Timestamp: now})
	}
	return c.logBatch(ctx, map[string]any{"run_id": runID, "metrics": entries})
}

// SetTags sets run tags.
func (c *MLflowClient) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	return c.logBatch(ctx, map[string]any{"run_id": runID, "tags": sortedKeyValues(tags)})
}

// LogArtifact uploads localPath under artifactPath of the run. Only servers
// that proxy artifact storage are supported.
func (c *MLflowClient) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	c.mu.Lock()
	uri := c.artifactURIs[runID]
	c.mu.Unlock()

	if !strings.HasPrefix(uri, proxiedArtifactScheme) {
		return fmt.Errorf("%w: artifact uri %q is not proxied by the tracking server", ErrArtifactsUnsupported, uri)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read artifact %s: %w", localPath, err)
	}

	root := strings.TrimLeft(strings.TrimPrefix(uri, proxiedArtifactScheme), "/")
	target := c.baseURL + apiArtifacts + path.Join(root, artifactPath, filepath.Base(localPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	return nil
}

// EndRun marks the run terminated with status.
func (c *MLflowClient) EndRun(ctx context.Context, runID string, status RunStatus) error {
	req := map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": time.Now().UnixMilli(),
	}
	err := c.do(ctx, http.MethodPost, apiUpdateRun, req, nil)

	c.mu.Lock()
	delete(c.artifactURIs, runID)
	c.mu.Unlock()
	return err
}

// SearchRuns lists every run of the experiment, newest first.
func (c *MLflowClient) SearchRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	pageToken := ""

	for {
		req := map[string]any{
			"experiment_ids": []string{c.experimentID},
			"order_by":       []string{"attributes.start_time DESC"},
			"max_results":    1000,
		}
		if pageToken != "" {
			req["page_token"] = pageToken
		}

		var resp struct {
			Runs          []runPayload `json:"runs"`
			NextPageToken string       `json:"next_page_token"`
		}
		if err := c.do(ctx, http.MethodPost, apiSearchRuns, req, &resp); err != nil {
			return nil, err
		}

		for _, r := range resp.Runs {
			runs = append(runs, r.toRun())
		}

		if resp.NextPageToken == "" {
			return runs, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (p runPayload) toRun() Run {
	run := Run{
		RunID:     p.Info.RunID,
		RunName:   p.Info.RunName,
		Status:    p.Info.Status,
		StartTime: time.UnixMilli(p.Info.StartTime),
		Params:    make(map[string]string, len(p.Data.Params)),
		Metrics:   make(map[string]float64, len(p.Data.Metrics)),
		Tags:      make(map[string]string, len(p.Data.Tags)),
	}
	for _, kv := range p.Data.Params {
		run.Params[kv.Key] = kv.Value
	}
	for _, m := range p.Data.Metrics {
		run.Metrics[m.Key] = m.Value
	}
	for _, kv := range p.Data.Tags {
		run.Tags[kv.Key] = kv.Value
	}
	return run
}

func (c *MLflowClient) logBatch(ctx context.Context, req map[string]any) error {
	return c.do(ctx, http.MethodPost, apiLogBatch, req, nil)
}

func (c *MLflowClient) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mlflow request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mlflow returned invalid JSON for %s: %w", endpoint, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
	}
	return apiErr
}

func sortedKeyValues(m map[string]string) []keyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]keyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyValue{Key: k, Value: m[k]})
	}
	return out
}
