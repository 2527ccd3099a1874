package collector

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/daryltucker/forest-bench/internal/model"
)

var (
	heavyRule = strings.Repeat("=", 80)
	lightRule = strings.Repeat("-", 80)
)

// PrintSummary writes the session table to w: records grouped by
// <instance>_<mode> in key order, each group in insertion order.
func (c *Collector) PrintSummary(w io.Writer) error {
	return PrintRecords(w, c.records)
}

// PrintRecords writes the session table for records.
func PrintRecords(w io.Writer, records []*model.MetricRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No metrics collected yet.")
		return err
	}

	groups := make(map[string][]*model.MetricRecord)
	for _, rec := range records {
		key := fmt.Sprintf("%s_%s", rec.InstanceType, rec.ServingMode)
		groups[key] = append(groups[key], rec)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nBenchmark Summary (%d runs)\n%s\n\n", heavyRule, len(records), heavyRule)
	for _, key := range keys {
		fmt.Fprintf(&b, "\n%s:\n%s\n", key, lightRule)
		for _, rec := range groups[key] {
			b.WriteString(formatLine(rec))
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "\n%s\n\n", heavyRule)

	_, err := io.WriteString(w, b.String())
	return err
}

func formatLine(rec *model.MetricRecord) string {
	cache := "✗"
	if rec.EnablePrefixCaching {
		cache = "✓"
	}
	return fmt.Sprintf("  BS=%2d | In=%4d | Out=%3d/%3d | Cache:%s | %s tok/s | %s ms/tok",
		rec.BatchSize, rec.InputLength, rec.ActualOutputTokens, rec.MaxOutputTokens,
		cache, fixed(rec.TokensPerSecond), fixed(rec.TimePerToken))
}

// fixed renders v as %6.2f, or a right-aligned n/a when absent.
func fixed(v *float64) string {
	if v == nil {
		return fmt.Sprintf("%6s", "n/a")
	}
	return fmt.Sprintf("%6.2f", *v)
}
