package engine

import (
	"context"
	"fmt"
	"net/http"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Server-side series read from the Prometheus endpoint. Newer vLLM exports
// prefix cache counters, older releases a precomputed hit-rate gauge.
const (
	seriesPrefixQueries = "vllm:prefix_cache_queries"
	seriesPrefixHits    = "vllm:prefix_cache_hits"
	seriesHitRateGauge  = "vllm:gpu_prefix_cache_hit_rate"
	seriesResidentBytes = "process_resident_memory_bytes"
)

// ServerStats is one scrape of the inference server's metrics endpoint.
type ServerStats struct {
	PrefixQueries float64
	PrefixHits    float64
	HitRate       *float64
	ResidentBytes *float64
}

// ScrapeMetrics reads the Prometheus text exposition at baseURL+MetricsPath.
func (e *Engine) ScrapeMetrics(ctx context.Context, baseURL string) (*ServerStats, error) {
	if e.Config.Server.MetricsPath == "" {
		return nil, fmt.Errorf("metrics scraping disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, e.Config.Server.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, e.Config.Server.MetricsPath), nil)
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

	parser := expfmt.NewTextParser(model.LegacyValidation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	stats := &ServerStats{
		PrefixQueries: counterValue(families, seriesPrefixQueries),
		PrefixHits:    counterValue(families, seriesPrefixHits),
	}
	if v, ok := sampleSum(families[seriesHitRateGauge]); ok {
		stats.HitRate = &v
	}
	if v, ok := sampleSum(families[seriesResidentBytes]); ok {
		stats.ResidentBytes = &v
	}
	return stats, nil
}

// counterValue sums a counter whether it was exposed with or without the
// _total suffix.
func counterValue(families map[string]*dto.MetricFamily, name string) float64 {
	if v, ok := sampleSum(families[name+"_total"]); ok {
		return v
	}
	v, _ := sampleSum(families[name])
	return v
}

// sampleSum adds the value of every series in the family (one per engine or
// model label set).
func sampleSum(mf *dto.MetricFamily) (float64, bool) {
	if mf == nil || len(mf.GetMetric()) == 0 {
		return 0, false
	}
	var sum float64
	for _, m := range mf.GetMetric() {
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			sum += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			sum += m.GetGauge().GetValue()
		default:
			sum += m.GetUntyped().GetValue()
		}
	}
	return sum, true
}

// CacheHitRate derives the prefix cache hit rate between two scrapes. The
// counter delta wins; the gauge from the later scrape is the fallback.
func CacheHitRate(before, after *ServerStats) *float64 {
	if before == nil || after == nil {
		return nil
	}
	queries := after.PrefixQueries - before.PrefixQueries
	if queries > 0 {
		rate := (after.PrefixHits - before.PrefixHits) / queries
		// A server restart between scrapes resets the counters.
		if rate < 0 || rate > 1 {
			return nil
		}
		return &rate
	}
	return after.HitRate
}

// ResidentMB converts the resident memory gauge to megabytes.
func (s *ServerStats) ResidentMB() *float64 {
	if s == nil || s.ResidentBytes == nil {
		return nil
	}
	mb := *s.ResidentBytes / (1024 * 1024)
	return &mb
}
