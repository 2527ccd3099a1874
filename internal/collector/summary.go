package collector

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

// Stats is mean/min/max over the non-nil values of one metric. All three are
// nil when the group had no values.
type Stats struct {
	Mean *float64 `json:"mean"`
	Min  *float64 `json:"min"`
	Max  *float64 `json:"max"`
}

// GroupSummary aggregates the records sharing one configuration.
type GroupSummary struct {
	Count               int               `json:"count"`
	InstanceType        string            `json:"instance_type"`
	ServingMode         model.ServingMode `json:"serving_mode"`
	BatchSize           int               `json:"batch_size"`
	InputLength         int               `json:"input_length"`
	MaxOutputTokens     int               `json:"max_output_tokens"`
	EnablePrefixCaching bool              `json:"enable_prefix_caching"`

	TokensPerSecond      Stats `json:"tokens_per_second"`
	TimePerTokenMS       Stats `json:"time_per_token_ms"`
	FirstTokenLatencySec Stats `json:"first_token_latency_sec"`
}

// SummaryMetadata heads a summary file.
type SummaryMetadata struct {
	GeneratedAt         string `json:"generated_at"`
	TotalConfigurations int    `json:"total_configurations"`
}

// SummaryFile is the document written by SaveSummary.
type SummaryFile struct {
	Metadata SummaryMetadata          `json:"metadata"`
	Summary  map[string]*GroupSummary `json:"summary"`
}

// ConfigKey is the summary grouping key of a record:
// <instance>_<mode>_bs<N>_in<N>_out<N>_cache<bool>.
func ConfigKey(rec *model.MetricRecord) string {
	cache := "False"
	if rec.EnablePrefixCaching {
		cache = "True"
	}
	return fmt.Sprintf("%s_%s_bs%d_in%d_out%d_cache%s",
		rec.InstanceType, rec.ServingMode, rec.BatchSize, rec.InputLength,
		rec.MaxOutputTokens, cache)
}

// Summarize groups records by configuration key and computes statistics.
func Summarize(records []*model.MetricRecord) map[string]*GroupSummary {
	groups := make(map[string][]*model.MetricRecord)
	for _, rec := range records {
		key := ConfigKey(rec)
		groups[key] = append(groups[key], rec)
	}

	summary := make(map[string]*GroupSummary, len(groups))
	for key, recs := range groups {
		first := recs[0]
		summary[key] = &GroupSummary{
			Count:                len(recs),
			InstanceType:         first.InstanceType,
			ServingMode:          first.ServingMode,
			BatchSize:            first.BatchSize,
			InputLength:          first.InputLength,
			MaxOutputTokens:      first.MaxOutputTokens,
			EnablePrefixCaching:  first.EnablePrefixCaching,
			TokensPerSecond:      computeStats(recs, func(r *model.MetricRecord) *float64 { return r.TokensPerSecond }),
			TimePerTokenMS:       computeStats(recs, func(r *model.MetricRecord) *float64 { return r.TimePerToken }),
			FirstTokenLatencySec: computeStats(recs, func(r *model.MetricRecord) *float64 { return r.FirstTokenLatency }),
		}
	}
	return summary
}

// Summarize returns the per-configuration summary of the collected records.
func (c *Collector) Summarize() map[string]*GroupSummary {
	return Summarize(c.records)
}

// SaveSummary writes the per-configuration summary under the results
// directory. An empty filename becomes benchmark_summary_<stamp>.json.
func (c *Collector) SaveSummary(filename string) (string, error) {
	now := c.now()
	if filename == "" {
		filename = fmt.Sprintf("benchmark_summary_%s.json", now.Format(model.FileStampLayout))
	}
	path := filepath.Join(c.resultsDir, filename)

	summary := c.Summarize()
	doc := SummaryFile{
		Metadata: SummaryMetadata{
			GeneratedAt:         now.Format(time.RFC3339),
			TotalConfigurations: len(summary),
		},
		Summary: summary,
	}

	if err := output.WriteJSONFile(path, doc); err != nil {
		return "", fmt.Errorf("failed to save summary: %w", err)
	}
	output.Logger.Info("Saved summary", "path", path, "configurations", len(summary))
	return path, nil
}

func computeStats(recs []*model.MetricRecord, field func(*model.MetricRecord) *float64) Stats {
	var (
		sum, lo, hi float64
		n           int
	)
	for _, rec := range recs {
		v := field(rec)
		if v == nil {
			continue
		}
		if n == 0 || *v < lo {
			lo = *v
		}
		if n == 0 || *v > hi {
			hi = *v
		}
		sum += *v
		n++
	}
	if n == 0 {
		return Stats{}
	}
	mean := sum / float64(n)
	return Stats{Mean: &mean, Min: &lo, Max: &hi}
}
