/*
PURPOSE:
  In-memory collection of benchmark metric records with persistence to
  results/summary JSON documents and a printable session table.

REQUIREMENTS:
  User-specified:
  - Append records in run order, computing derived metrics on ingestion.
  - Persist {metadata, results} and per-configuration summaries.
  - Print records grouped by (instance_type, serving_mode).

  Implementation-discovered:
  - Invalid records are rejected at ingestion so every persisted record is
    well formed.
  - Older result files may carry scenario/run/warmup only in notes; loading
    backfills the structured fields.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go, internal/cli, recorder.go
  - Uses: internal/model, internal/output

ERROR HANDLING:
  - Directory creation and file writes propagate wrapped errors.
  - Validation errors are *model.ValidationError (errors.As).

IMPLEMENTATION RULES:
  - Single session, single goroutine; no locking.
  - Records are never mutated after AddMetric returns.

USAGE:
  c, err := collector.New("results")
  err = c.AddMetric(rec)
  path, err := c.SaveToJSON("")

SELF-HEALING INSTRUCTIONS:
  - If a result file fails to load, check metadata/results keys.

RELATED FILES:
  - internal/collector/summary.go
  - internal/collector/print.go
  - internal/collector/recorder.go

MAINTENANCE:
  - Keep the results document shape stable; other tools read it.
*/

package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

// ResultsMetadata heads a results file.
type ResultsMetadata struct {
	TotalRuns   int    `json:"total_runs"`
	GeneratedAt string `json:"generated_at"`
}

// ResultsFile is the document written by SaveToJSON.
type ResultsFile struct {
	Metadata ResultsMetadata       `json:"metadata"`
	Results  []*model.MetricRecord `json:"results"`
}

// Collector holds the records of one benchmark session.
type Collector struct {
	resultsDir string
	records    []*model.MetricRecord
	now        func() time.Time
}

// New creates a collector writing under resultsDir, creating the directory
// when it does not exist.
func New(resultsDir string) (*Collector, error) {
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory %s: %w", resultsDir, err)
	}
	return &Collector{resultsDir: resultsDir, now: time.Now}, nil
}

// ResultsDir returns the output directory.
func (c *Collector) ResultsDir() string {
	return c.resultsDir
}

// AddMetric validates rec, computes its derived metrics and appends it.
func (c *Collector) AddMetric(rec *model.MetricRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.ComputeDerivedMetrics()
	c.records = append(c.records, rec)

	tps := "n/a"
	if rec.TokensPerSecond != nil {
		tps = fmt.Sprintf("%.2f", *rec.TokensPerSecond)
	}
	output.Logger.Debug("Added metric", "experiment_id", rec.ExperimentID, "batch_size", rec.BatchSize, "tokens_per_second", tps)
	return nil
}

// Records returns the records in insertion order. The slice is a copy.
func (c *Collector) Records() []*model.MetricRecord {
	out := make([]*model.MetricRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Len returns the number of collected records.
func (c *Collector) Len() int {
	return len(c.records)
}

// SaveToJSON writes all records to filename under the results directory.
// An empty filename becomes benchmark_results_<stamp>.json. Returns the path
// written.
func (c *Collector) SaveToJSON(filename string) (string, error) {
	now := c.now()
	if filename == "" {
		filename = fmt.Sprintf("benchmark_results_%s.json", now.Format(model.FileStampLayout))
	}
	path := filepath.Join(c.resultsDir, filename)

	doc := ResultsFile{
		Metadata: ResultsMetadata{
			TotalRuns:   len(c.records),
			GeneratedAt: now.Format(time.RFC3339),
		},
		Results: c.Records(),
	}
	if doc.Results == nil {
		doc.Results = []*model.MetricRecord{}
	}

	if err := output.WriteJSONFile(path, doc); err != nil {
		return "", fmt.Errorf("failed to save results: %w", err)
	}
	output.Logger.Info("Saved results", "path", path, "runs", len(c.records))
	return path, nil
}

// LoadResults reads a results (or merged results) file. Records whose
// scenario/run/warmup facts only exist in notes get the structured fields
// backfilled.
func LoadResults(path string) (*ResultsFile, error) {
	var doc ResultsFile
	if err := output.ReadJSONFile(path, &doc); err != nil {
		return nil, fmt.Errorf("failed to load results %s: %w", path, err)
	}
	for _, rec := range doc.Results {
		rec.BackfillFromNotes()
	}
	return &doc, nil
}
