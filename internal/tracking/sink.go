/*
PURPOSE:
  Defines the experiment-tracking sink abstraction used by the dual-sink
  recorder, plus the shapes returned by run queries.

REQUIREMENTS:
  User-specified:
  - Forward each benchmark run to an external tracker (params, metrics,
    tags, artifacts) scoped to a named run.
  - Query all runs of the experiment and compare metrics across them.

  Implementation-discovered:
  - The recorder must never branch on the concrete tracker type; it holds an
    optional Sink and asks for Querier through a type assertion only for the
    read-side convenience queries.
  - Connecting is a separate step (Dialer) so connection failure can degrade
    the recorder to local-only operation.

ARCHITECTURE INTEGRATION:
  - Implemented by: mlflow.go (MLflow REST), push.go (Prometheus Pushgateway)
  - Used by: internal/collector/recorder.go, internal/cli

ERROR HANDLING:
  - Every method returns an error; callers decide whether it is fatal.

IMPLEMENTATION RULES:
  - context.Context on every remote call.

USAGE:
  sink, err := dial(ctx)
  runID, err := sink.StartRun(ctx, rec.ExperimentID)

SELF-HEALING INSTRUCTIONS:
  - New backends implement Sink (and Querier when they can list runs).

RELATED FILES:
  - internal/collector/recorder.go

MAINTENANCE:
  - Keep the interface small.
*/

package tracking

import (
	"context"
	"errors"
	"time"
)

// RunStatus is the terminal state reported when a run ends.
type RunStatus string

const (
	RunFinished RunStatus = "FINISHED"
	RunFailed   RunStatus = "FAILED"
)

// ErrArtifactsUnsupported is returned by sinks that cannot store files.
var ErrArtifactsUnsupported = errors.New("sink does not support artifacts")

// Sink is an experiment tracker that accepts one run per benchmark record.
type Sink interface {
	StartRun(ctx context.Context, runName string) (string, error)
	LogParams(ctx context.Context, runID string, params map[string]string) error
	LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error
	SetTags(ctx context.Context, runID string, tags map[string]string) error
	LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error
	EndRun(ctx context.Context, runID string, status RunStatus) error
}

// Querier lists previously logged runs.
type Querier interface {
	SearchRuns(ctx context.Context) ([]Run, error)
}

// Dialer connects to a tracker. A returned error means the tracker is
// unavailable for the whole session.
type Dialer func(ctx context.Context) (Sink, error)

// Run is one logged run as reported by a Querier.
type Run struct {
	RunID     string             `json:"run_id"`
	RunName   string             `json:"run_name"`
	Status    string             `json:"status"`
	StartTime time.Time          `json:"start_time"`
	Params    map[string]string  `json:"params"`
	Metrics   map[string]float64 `json:"metrics"`
	Tags      map[string]string  `json:"tags"`
}

// MetricComparison summarizes one metric across runs.
type MetricComparison struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// Comparison is the result of comparing runs on a set of metrics. Metrics
// that no run reported are absent from MetricComparison.
type Comparison struct {
	TotalRuns        int                         `json:"total_runs"`
	MetricComparison map[string]MetricComparison `json:"metric_comparison"`
}

// DefaultCompareMetrics are compared when the caller names none.
var DefaultCompareMetrics = []string{
	"tokens_per_second",
	"time_per_token_ms",
	"first_token_latency",
	"total_time",
}

// CompareRuns computes min/mean/max/count per metric over runs.
func CompareRuns(runs []Run, metricNames []string) Comparison {
	if len(metricNames) == 0 {
		metricNames = DefaultCompareMetrics
	}

	cmp := Comparison{
		TotalRuns:        len(runs),
		MetricComparison: make(map[string]MetricComparison),
	}

	for _, name := range metricNames {
		var mc MetricComparison
		var sum float64
		for _, run := range runs {
			v, ok := run.Metrics[name]
			if !ok {
				continue
			}
			if mc.Count == 0 || v < mc.Min {
				mc.Min = v
			}
			if mc.Count == 0 || v > mc.Max {
				mc.Max = v
			}
			sum += v
			mc.Count++
		}
		if mc.Count > 0 {
			mc.Mean = sum / float64(mc.Count)
			cmp.MetricComparison[name] = mc
		}
	}

	return cmp
}
