/*
PURPOSE:
  Writes benchmark records to a CSV file.
  Ensures data integrity by flushing writes immediately.

REQUIREMENTS:
  User-specified:
  - Output to CSV for spreadsheet users.

  Implementation-discovered:
  - Missing optional values are empty cells, not "0".
  - Overwrite on create; one file per export.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli (run --csv, summarize --csv)
  - Consumes: internal/model.MetricRecord

ERROR HANDLING:
  - Returns error on file creation or write failure.

IMPLEMENTATION RULES:
  - Use encoding/csv.
  - Flush() after every write (critical for crash resilience).
  - Use Mutex; the runner may write from a progress callback.

USAGE:
  w, err := output.NewCSVWriter("results.csv")
  w.Write(rec)
  w.Close()

SELF-HEALING INSTRUCTIONS:
  - If CSV format changes, update csvHeader and csvRow together.

RELATED FILES:
  - internal/model/types.go

MAINTENANCE:
  - Update csvRow() mapping when MetricRecord changes.
*/

package output

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"

	"github.com/daryltucker/forest-bench/internal/model"
)

var csvHeader = []string{
	"experiment_id", "timestamp", "model_name", "instance_type", "hardware_type", "serving_mode",
	"batch_size", "input_length", "max_output_tokens", "enable_prefix_caching", "temperature", "top_p",
	"total_time_s", "prefill_time_s", "decode_time_s", "first_token_latency_s",
	"input_tokens", "output_tokens",
	"tokens_per_second", "time_per_token_ms", "inter_token_latency_ms",
	"memory_used_mb", "peak_memory_mb", "cache_hit_rate",
	"scenario", "run_index", "is_warmup", "error", "notes",
}

// CSVWriter handles writing records to a CSV file.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter creates a new CSVWriter.
// It overwrites the file if it exists.
func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()

	return &CSVWriter{
		file:   f,
		writer: w,
	}, nil
}

// WriteCSVFile writes all records to path in one go.
func WriteCSVFile(path string, records []*model.MetricRecord) error {
	w, err := NewCSVWriter(path)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// Write writes a single record to the CSV file.
// It is thread-safe.
func (cw *CSVWriter) Write(r *model.MetricRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := cw.writer.Write(csvRow(r)); err != nil {
		return err
	}
	cw.writer.Flush()
	return cw.writer.Error()
}

// Close closes the underlying file.
func (cw *CSVWriter) Close() error {
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.file.Close()
		return err
	}
	return cw.file.Close()
}

func csvRow(r *model.MetricRecord) []string {
	return []string{
		r.ExperimentID,
		r.Timestamp,
		r.ModelName,
		r.InstanceType,
		string(r.HardwareType),
		string(r.ServingMode),
		strconv.Itoa(r.BatchSize),
		strconv.Itoa(r.InputLength),
		strconv.Itoa(r.MaxOutputTokens),
		strconv.FormatBool(r.EnablePrefixCaching),
		formatFloat(r.Temperature),
		formatFloat(r.TopP),
		formatFloat(r.TotalTime),
		optFloat(r.PrefillTime),
		optFloat(r.DecodeTime),
		optFloat(r.FirstTokenLatency),
		strconv.Itoa(r.ActualInputTokens),
		strconv.Itoa(r.ActualOutputTokens),
		optFloat(r.TokensPerSecond),
		optFloat(r.TimePerToken),
		optFloat(r.InterTokenLatency),
		optFloat(r.MemoryUsedMB),
		optFloat(r.PeakMemoryMB),
		optFloat(r.CacheHitRate),
		optString(r.Scenario),
		optInt(r.RunIndex),
		optBool(r.IsWarmup),
		optString(r.Error),
		optString(r.Notes),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func optString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
