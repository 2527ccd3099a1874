package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileStampLayout is the second-resolution stamp used in experiment ids and
// default output filenames.
const FileStampLayout = "20060102_150405"

// CreateExperimentID builds the id shared by all runs of one scenario.
func CreateExperimentID(instanceType string, mode ServingMode, scenario string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s", instanceType, mode, scenario, now.Format(FileStampLayout))
}

// BackfillFromNotes fills Scenario, RunIndex and IsWarmup from a legacy notes
// string of the form "scenario=short, run=0, warmup=True". Fields that are
// already set are left alone. Only used when importing older result files.
func (r *MetricRecord) BackfillFromNotes() {
	if r.Notes == nil {
		return
	}
	for _, part := range strings.Split(*r.Notes, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "scenario":
			if r.Scenario == nil && value != "" {
				r.Scenario = Ptr(value)
			}
		case "run":
			if r.RunIndex == nil {
				if n, err := strconv.Atoi(value); err == nil {
					r.RunIndex = Ptr(n)
				}
			}
		case "warmup":
			if r.IsWarmup == nil {
				if b, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
					r.IsWarmup = Ptr(b)
				}
			}
		}
	}
}
