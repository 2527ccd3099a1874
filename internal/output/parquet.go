package output

import (
	"fmt"
	"sync"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/daryltucker/forest-bench/internal/model"
)

// parquetRow is the columnar form of a MetricRecord.
type parquetRow struct {
	ExperimentID        string   `parquet:"name=experiment_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp           string   `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	ModelName           string   `parquet:"name=model_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstanceType        string   `parquet:"name=instance_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	HardwareType        string   `parquet:"name=hardware_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	ServingMode         string   `parquet:"name=serving_mode, type=BYTE_ARRAY, convertedtype=UTF8"`
	BatchSize           int64    `parquet:"name=batch_size, type=INT64"`
	InputLength         int64    `parquet:"name=input_length, type=INT64"`
	MaxOutputTokens     int64    `parquet:"name=max_output_tokens, type=INT64"`
	EnablePrefixCaching bool     `parquet:"name=enable_prefix_caching, type=BOOLEAN"`
	Temperature         float64  `parquet:"name=temperature, type=DOUBLE"`
	TopP                float64  `parquet:"name=top_p, type=DOUBLE"`
	TotalTime           float64  `parquet:"name=total_time, type=DOUBLE"`
	PrefillTime         *float64 `parquet:"name=prefill_time, type=DOUBLE, repetitiontype=OPTIONAL"`
	DecodeTime          *float64 `parquet:"name=decode_time, type=DOUBLE, repetitiontype=OPTIONAL"`
	FirstTokenLatency   *float64 `parquet:"name=first_token_latency, type=DOUBLE, repetitiontype=OPTIONAL"`
	ActualInputTokens   int64    `parquet:"name=actual_input_tokens, type=INT64"`
	ActualOutputTokens  int64    `parquet:"name=actual_output_tokens, type=INT64"`
	TokensPerSecond     *float64 `parquet:"name=tokens_per_second, type=DOUBLE, repetitiontype=OPTIONAL"`
	TimePerToken        *float64 `parquet:"name=time_per_token, type=DOUBLE, repetitiontype=OPTIONAL"`
	InterTokenLatency   *float64 `parquet:"name=inter_token_latency, type=DOUBLE, repetitiontype=OPTIONAL"`
	MemoryUsedMB        *float64 `parquet:"name=memory_used_mb, type=DOUBLE, repetitiontype=OPTIONAL"`
	PeakMemoryMB        *float64 `parquet:"name=peak_memory_mb, type=DOUBLE, repetitiontype=OPTIONAL"`
	CacheHitRate        *float64 `parquet:"name=cache_hit_rate, type=DOUBLE, repetitiontype=OPTIONAL"`
	Scenario            *string  `parquet:"name=scenario, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	RunIndex            *int64   `parquet:"name=run_index, type=INT64, repetitiontype=OPTIONAL"`
	IsWarmup            *bool    `parquet:"name=is_warmup, type=BOOLEAN, repetitiontype=OPTIONAL"`
	Error               *string  `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Notes               *string  `parquet:"name=notes, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

func toParquetRow(r *model.MetricRecord) parquetRow {
	row := parquetRow{
		ExperimentID:        r.ExperimentID,
		Timestamp:           r.Timestamp,
		ModelName:           r.ModelName,
		InstanceType:        r.InstanceType,
		HardwareType:        string(r.HardwareType),
		ServingMode:         string(r.ServingMode),
		BatchSize:           int64(r.BatchSize),
		InputLength:         int64(r.InputLength),
		MaxOutputTokens:     int64(r.MaxOutputTokens),
		EnablePrefixCaching: r.EnablePrefixCaching,
		Temperature:         r.Temperature,
		TopP:                r.TopP,
		TotalTime:           r.TotalTime,
		PrefillTime:         r.PrefillTime,
		DecodeTime:          r.DecodeTime,
		FirstTokenLatency:   r.FirstTokenLatency,
		ActualInputTokens:   int64(r.ActualInputTokens),
		ActualOutputTokens:  int64(r.ActualOutputTokens),
		TokensPerSecond:     r.TokensPerSecond,
		TimePerToken:        r.TimePerToken,
		InterTokenLatency:   r.InterTokenLatency,
		MemoryUsedMB:        r.MemoryUsedMB,
		PeakMemoryMB:        r.PeakMemoryMB,
		CacheHitRate:        r.CacheHitRate,
		Scenario:            r.Scenario,
		IsWarmup:            r.IsWarmup,
		Error:               r.Error,
		Notes:               r.Notes,
	}
	if r.RunIndex != nil {
		row.RunIndex = model.Ptr(int64(*r.RunIndex))
	}
	return row
}

// ParquetWriter handles writing records to a Parquet file
type ParquetWriter struct {
	writer    *writer.ParquetWriter
	file      source.ParquetFile
	mutex     sync.Mutex
	filePath  string
	batchSize int
	pending   []parquetRow
}

// NewParquetWriter creates a new Parquet writer at path. Rows are buffered
// and handed to the encoder every batchSize records.
func NewParquetWriter(path string, batchSize int) (*ParquetWriter, error) {
	if batchSize <= 0 {
		batchSize = 64
	}

	file, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(file, new(parquetRow), 4)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &ParquetWriter{
		writer:    pw,
		file:      file,
		filePath:  path,
		batchSize: batchSize,
		pending:   make([]parquetRow, 0, batchSize),
	}, nil
}

// WriteParquetFile writes all records to path in one go.
func WriteParquetFile(path string, records []*model.MetricRecord) error {
	pw, err := NewParquetWriter(path, len(records))
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := pw.Write(r); err != nil {
			pw.Close()
			return err
		}
	}
	return pw.Close()
}

// Write adds a record to the batch and flushes if the batch is full
func (pw *ParquetWriter) Write(r *model.MetricRecord) error {
	pw.mutex.Lock()
	defer pw.mutex.Unlock()

	pw.pending = append(pw.pending, toParquetRow(r))

	if len(pw.pending) >= pw.batchSize {
		return pw.flush()
	}

	return nil
}

func (pw *ParquetWriter) flush() error {
	for _, row := range pw.pending {
		if err := pw.writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	pw.pending = pw.pending[:0]
	return nil
}

// Close flushes any remaining rows and closes the writer
func (pw *ParquetWriter) Close() error {
	pw.mutex.Lock()
	defer pw.mutex.Unlock()

	if err := pw.flush(); err != nil {
		pw.file.Close()
		return err
	}

	if err := pw.writer.WriteStop(); err != nil {
		pw.file.Close()
		return fmt.Errorf("failed to stop parquet writer: %w", err)
	}

	if err := pw.file.Close(); err != nil {
		return fmt.Errorf("failed to close parquet file: %w", err)
	}

	return nil
}

// Path returns the path of the written file
func (pw *ParquetWriter) Path() string {
	return pw.filePath
}
