package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

// MergedMetadata heads a merged results file.
type MergedMetadata struct {
	MergedAt    string   `json:"merged_at"`
	SourceFiles []string `json:"source_files"`
	TotalRuns   int      `json:"total_runs"`
}

// MergedFile combines the results of several sessions, typically one per
// instance type.
type MergedFile struct {
	Metadata MergedMetadata        `json:"metadata"`
	Results  []*model.MetricRecord `json:"results"`
}

// MergeResults concatenates the results of every readable file in order.
// Files that cannot be loaded are logged and skipped.
func MergeResults(paths ...string) *MergedFile {
	merged := &MergedFile{
		Metadata: MergedMetadata{
			MergedAt:    time.Now().Format(time.RFC3339),
			SourceFiles: append([]string{}, paths...),
		},
		Results: []*model.MetricRecord{},
	}

	for _, path := range paths {
		doc, err := LoadResults(path)
		if err != nil {
			output.Logger.Error("Skipping results file", "path", path, "error", err)
			continue
		}
		merged.Results = append(merged.Results, doc.Results...)
		output.Logger.Info("Loaded results file", "path", path, "runs", len(doc.Results))
	}

	merged.Metadata.TotalRuns = len(merged.Results)
	return merged
}

// InstanceTypes returns the sorted distinct instance types in the merge.
func (m *MergedFile) InstanceTypes() []string {
	return distinctInstanceTypes(m.Results, true)
}

// SaveMerged writes m to path, creating parent directories.
func SaveMerged(path string, m *MergedFile) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := output.WriteJSONFile(path, m); err != nil {
		return fmt.Errorf("failed to save merged results: %w", err)
	}
	return nil
}
