/*
PURPOSE:
  Writes benchmark data as JSON.
  - WriteJSONFile: one indented document (results, summaries, snapshots).
  - JSONLWriter: JSON Lines stream of records, one per completed run.

REQUIREMENTS:
  User-specified:
  - JSON output for easier parsing.
  - Results/summary documents are the sole durable artifact of a run.

  Implementation-discovered:
  - JSON Lines is append-friendly: a crash mid-session still leaves every
    finished run on disk.

ARCHITECTURE INTEGRATION:
  - Called by: internal/collector, internal/envinfo, internal/engine
  - Consumes: internal/model.MetricRecord

ERROR HANDLING:
  - Returns error on file creation, encode or close failure. Never swallowed.

IMPLEMENTATION RULES:
  - Use encoding/json.NewEncoder.
  - Thread-safe stream writer.

USAGE:
  err := output.WriteJSONFile("results/summary.json", doc)
  w, err := output.NewJSONLWriter("results/runs.jsonl")
  w.Write(rec)
  w.Close()

SELF-HEALING INSTRUCTIONS:
  - None specific.

RELATED FILES:
  - internal/model/types.go

MAINTENANCE:
  - None.
*/

package output

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/daryltucker/forest-bench/internal/model"
)

// WriteJSONFile writes v to path as a single indented JSON document,
// truncating any existing file.
func WriteJSONFile(path string, v any) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// ReadJSONFile decodes the JSON document at path into v.
func ReadJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// JSONLWriter handles writing records to a JSON Lines file.
type JSONLWriter struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONLWriter creates a new JSONLWriter.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	return &JSONLWriter{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// Write writes a single record as a JSON line.
func (jw *JSONLWriter) Write(r *model.MetricRecord) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	return jw.encoder.Encode(r)
}

// Path returns the file being written.
func (jw *JSONLWriter) Path() string {
	return jw.file.Name()
}

// Close closes the underlying file.
func (jw *JSONLWriter) Close() error {
	return jw.file.Close()
}
