package collector

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

// WriteReport writes the text analysis report for records: overall counts,
// per instance throughput and latency, and the prefix caching effect.
// Warmup runs are excluded from every statistic except the run count. An
// empty record set logs a warning and writes nothing.
func WriteReport(w io.Writer, records []*model.MetricRecord) error {
	if len(records) == 0 {
		output.Logger.Warn("No results to analyze")
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nBenchmark Summary Report\n%s\n\n", heavyRule, heavyRule)

	b.WriteString("Overall Statistics:\n")
	b.WriteString(lightRule + "\n")
	fmt.Fprintf(&b, "Total runs: %d\n", len(records))
	fmt.Fprintf(&b, "Instance types: %s\n", strings.Join(distinctInstanceTypes(records, false), ", "))
	fmt.Fprintf(&b, "Models tested: %s\n\n", strings.Join(distinctModels(records), ", "))

	measured := make(map[string][]*model.MetricRecord)
	for _, rec := range records {
		if rec.Warmup() {
			continue
		}
		measured[rec.InstanceType] = append(measured[rec.InstanceType], rec)
	}
	instances := distinctInstanceTypes(records, false)

	b.WriteString("Performance by Instance Type:\n")
	b.WriteString(lightRule + "\n")
	for _, inst := range instances {
		recs := measured[inst]
		if len(recs) == 0 {
			continue
		}
		tps := values(recs, func(r *model.MetricRecord) *float64 { return r.TokensPerSecond })
		tpt := values(recs, func(r *model.MetricRecord) *float64 { return r.TimePerToken })

		fmt.Fprintf(&b, "\n%s:\n", inst)
		fmt.Fprintf(&b, "  Avg tokens/sec: %s (±%s)\n", fmt2(mean(tps)), fmt2(stddev(tps)))
		fmt.Fprintf(&b, "  Avg time/token: %s ms (±%s)\n", fmt2(mean(tpt)), fmt2(stddev(tpt)))
		fmt.Fprintf(&b, "  Best tokens/sec: %s\n", fmt2(maxOf(tps)))
		fmt.Fprintf(&b, "  Worst tokens/sec: %s\n", fmt2(minOf(tps)))
	}

	b.WriteString("\nPrefix Caching Effect:\n")
	b.WriteString(lightRule + "\n")
	for _, inst := range instances {
		var off, on []*model.MetricRecord
		for _, rec := range measured[inst] {
			if rec.EnablePrefixCaching {
				on = append(on, rec)
			} else {
				off = append(off, rec)
			}
		}
		tps := func(r *model.MetricRecord) *float64 { return r.TokensPerSecond }
		offMean := mean(values(off, tps))
		onMean := mean(values(on, tps))
		if math.IsNaN(offMean) || math.IsNaN(onMean) || offMean == 0 {
			continue
		}
		improvement := (onMean - offMean) / offMean * 100
		fmt.Fprintf(&b, "\n%s:\n", inst)
		fmt.Fprintf(&b, "  Without caching: %.2f tokens/sec\n", offMean)
		fmt.Fprintf(&b, "  With caching: %.2f tokens/sec\n", onMean)
		fmt.Fprintf(&b, "  Improvement: %+.1f%%\n", improvement)
	}

	fmt.Fprintf(&b, "\n%s\n", heavyRule)

	_, err := io.WriteString(w, b.String())
	return err
}

// distinctInstanceTypes returns instance types in first-seen order, or
// sorted when requested.
func distinctInstanceTypes(records []*model.MetricRecord, sorted bool) []string {
	out := distinct(records, func(r *model.MetricRecord) string { return r.InstanceType })
	if sorted {
		sort.Strings(out)
	}
	return out
}

func distinctModels(records []*model.MetricRecord) []string {
	return distinct(records, func(r *model.MetricRecord) string { return r.ModelName })
}

func distinct(records []*model.MetricRecord, field func(*model.MetricRecord) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range records {
		v := field(rec)
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func values(recs []*model.MetricRecord, field func(*model.MetricRecord) *float64) []float64 {
	var out []float64
	for _, rec := range recs {
		if v := field(rec); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// mean returns NaN for an empty slice.
func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// stddev is the sample standard deviation; NaN below two values.
func stddev(vs []float64) float64 {
	if len(vs) < 2 {
		return math.NaN()
	}
	m := mean(vs)
	var ss float64
	for _, v := range vs {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(vs)-1))
}

func minOf(vs []float64) float64 {
	if len(vs) == 0 {
		return math.NaN()
	}
	lo := vs[0]
	for _, v := range vs[1:] {
		lo = math.Min(lo, v)
	}
	return lo
}

func maxOf(vs []float64) float64 {
	if len(vs) == 0 {
		return math.NaN()
	}
	hi := vs[0]
	for _, v := range vs[1:] {
		hi = math.Max(hi, v)
	}
	return hi
}

func fmt2(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}
