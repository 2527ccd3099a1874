/*
PURPOSE:
  HTTP client for OpenAI-compatible inference servers (vLLM and friends).
  Handles model discovery, batched completions and streaming completions.

REQUIREMENTS:
  User-specified:
  - Detect served models.
  - Batched completion requests with token usage (offline mode).
  - Streaming completion with time-to-first-token (online mode).

  Implementation-discovered:
  - Needs http.Client with a header timeout separate from the body timeout:
    a server still loading weights hangs before sending headers.
  - Resilience against garbage SSE lines (invalid chunks).
  - Servers that ignore stream_options send no usage chunk; the number of
    text chunks is the fallback completion token count.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go, internal/cli (list-models)
  - Uses: internal/config, internal/output

ERROR HANDLING:
  - Retries live here: network errors and 5xx are retried MaxRetries times
    with RetryDelay between attempts. 4xx responses fail immediately.
  - Errors are classified (header timeout vs connection error vs server error).

IMPLEMENTATION RULES:
  - Use net/http.
  - Enforce timeouts per attempt via context.
  - Parse streaming SSE line-by-line.

USAGE:
  e := engine.New(cfg)
  models, err := e.GetModels(ctx, url)
  res, err := e.Complete(ctx, url, engine.CompletionRequest{...})

SELF-HEALING INSTRUCTIONS:
  - If the server API changes, update endpoints (/v1/models, /v1/completions).

RELATED FILES:
  - internal/config/config.go
  - internal/engine/runner.go

MAINTENANCE:
  - Update for new OpenAI-compatible API features.
*/

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/daryltucker/forest-bench/internal/config"
	"github.com/daryltucker/forest-bench/internal/output"
)

// Engine talks to an OpenAI-compatible inference server.
type Engine struct {
	Config *config.Config
	Client *http.Client
}

// New creates a new Engine.
func New(cfg *config.Config) *Engine {
	// Separate the connection timeout from the server hanging during headers
	// (e.g. a vLLM worker still compiling graphs for a new batch shape).
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Server.RequestTimeout

	return &Engine{
		Config: cfg,
		// Per-attempt deadlines come from the request context; a client-wide
		// timeout would cut long streams.
		Client: &http.Client{Transport: transport},
	}
}

// CompletionRequest is one /v1/completions call.
type CompletionRequest struct {
	Model       string
	Prompts     []string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// CompletionResult is what the server reported for one request.
type CompletionResult struct {
	PromptTokens     int
	CompletionTokens int
	// Total is wall-clock time from sending the request to the last byte.
	Total time.Duration
	// FirstToken is set for streaming requests only.
	FirstToken *time.Duration
	Texts      []string
}

// errNoRetry marks failures that repeating the request cannot fix.
var errNoRetry = errors.New("not retryable")

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type choice struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type completionResponse struct {
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage"`
}

// GetModels returns the model ids served at baseURL.
func (e *Engine) GetModels(ctx context.Context, baseURL string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Config.Server.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, "/v1/models"), nil)
	if err != nil {
		return nil, err
	}
	e.authorize(req)

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("server returned invalid model list: %w", err)
	}

	names := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// Complete sends every prompt in one batched, non-streaming request.
func (e *Engine) Complete(ctx context.Context, baseURL string, creq CompletionRequest) (*CompletionResult, error) {
	body, err := json.Marshal(map[string]any{
		"model":       creq.Model,
		"prompt":      creq.Prompts,
		"max_tokens":  creq.MaxTokens,
		"temperature": creq.Temperature,
		"top_p":       creq.TopP,
		"stream":      false,
	})
	if err != nil {
		return nil, err
	}

	return e.withRetries(ctx, "completion", func(ctx context.Context) (*CompletionResult, error) {
		start := time.Now()
		resp, err := e.post(ctx, baseURL, body, creq.Model)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		total := time.Since(start)

		var parsed completionResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("server returned invalid JSON: %w (body: %s)", err, truncate(data))
		}
		if parsed.Usage == nil {
			return nil, fmt.Errorf("server response has no usage block")
		}

		texts := make([]string, len(creq.Prompts))
		for _, c := range parsed.Choices {
			if c.Index >= 0 && c.Index < len(texts) {
				texts[c.Index] += c.Text
			}
		}
		return &CompletionResult{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			Total:            total,
			Texts:            texts,
		}, nil
	})
}

// Stream sends a single prompt as a streaming request and measures the time
// until the first non-empty text chunk.
func (e *Engine) Stream(ctx context.Context, baseURL string, creq CompletionRequest) (*CompletionResult, error) {
	if len(creq.Prompts) != 1 {
		return nil, fmt.Errorf("streaming takes exactly one prompt, got %d", len(creq.Prompts))
	}
	body, err := json.Marshal(map[string]any{
		"model":          creq.Model,
		"prompt":         creq.Prompts[0],
		"max_tokens":     creq.MaxTokens,
		"temperature":    creq.Temperature,
		"top_p":          creq.TopP,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	})
	if err != nil {
		return nil, err
	}

	return e.withRetries(ctx, "streaming", func(ctx context.Context) (*CompletionResult, error) {
		start := time.Now()
		resp, err := e.post(ctx, baseURL, body, creq.Model)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		res, err := processStream(resp.Body, start)
		if err != nil {
			return nil, err
		}
		res.Total = time.Since(start)
		return res, nil
	})
}

// processStream reads SSE "data:" lines until [DONE].
func processStream(body io.Reader, start time.Time) (*CompletionResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	res := &CompletionResult{Texts: []string{""}}
	var text strings.Builder
	chunks := 0
	gotDone := false
	var reported *usage

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if string(payload) == "[DONE]" {
			gotDone = true
			break
		}

		var chunk completionResponse
		// Garbage resilience: ignore chunks that are not JSON
		if err := json.Unmarshal(payload, &chunk); err != nil {
			output.Logger.Warn("Skipping invalid stream chunk", "chunk", string(payload))
			continue
		}
		if chunk.Usage != nil {
			reported = chunk.Usage
		}
		for _, c := range chunk.Choices {
			if c.Text == "" {
				continue
			}
			if res.FirstToken == nil {
				ttft := time.Since(start)
				res.FirstToken = &ttft
			}
			chunks++
			text.WriteString(c.Text)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream scanning error: %w", err)
	}
	if !gotDone {
		return nil, fmt.Errorf("stream incomplete: no [DONE] marker")
	}

	res.Texts[0] = text.String()
	if reported != nil {
		res.PromptTokens = reported.PromptTokens
		res.CompletionTokens = reported.CompletionTokens
	} else {
		res.CompletionTokens = chunks
	}
	return res, nil
}

func (e *Engine) withRetries(ctx context.Context, kind string, attempt func(context.Context) (*CompletionResult, error)) (*CompletionResult, error) {
	var lastErr error
	for i := 0; i < e.Config.Server.MaxRetries; i++ {
		if i > 0 {
			output.Logger.Info("Retrying request...", "kind", kind, "attempt", i+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.Config.Server.RetryDelay):
			}
		}

		res, err := func() (*CompletionResult, error) {
			actx, cancel := context.WithTimeout(ctx, e.Config.Server.RequestTimeout)
			defer cancel()
			return attempt(actx)
		}()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errNoRetry) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) post(ctx context.Context, baseURL string, body []byte, modelName string) (*http.Response, error) {
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			output.Logger.Debug("Network: Connected", "remote", info.Conn.RemoteAddr(), "reused", info.Reused)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			output.Logger.Debug("Network: Request Sent", "model", modelName)
		},
		GotFirstResponseByte: func() {
			output.Logger.Debug("Network: First Byte Received", "model", modelName)
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, "/v1/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoRetry, err)
	}
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("server error (%s): %s", resp.Status, strings.TrimSpace(string(data)))
		if resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %w", errNoRetry, err)
		}
		return nil, err
	}
	return resp, nil
}

func (e *Engine) authorize(req *http.Request) {
	if e.Config.Server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.Config.Server.APIKey)
	}
}

// classify separates "server never answered" from plain network failures.
func classify(err error) error {
	if strings.Contains(err.Error(), "awaiting headers") {
		return fmt.Errorf("server header timeout (model loading?): %w", err)
	}
	return fmt.Errorf("network/connection error: %w", err)
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}

func truncate(data []byte) string {
	const limit = 512
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
