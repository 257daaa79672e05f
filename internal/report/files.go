package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSON is the canonical encoding shared by every audit sink.
func (a AuditRecord) JSON() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

func WriteAuditFile(audit AuditRecord, outputDir string) (string, error) {
	data, err := audit.JSON()
	if err != nil {
		return "", fmt.Errorf("encode audit record: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, fmt.Sprintf("triage_%s.json", audit.RunID))
	return path, os.WriteFile(path, data, 0644)
}

func WriteSummaryFile(summary NotificationSummary, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, fmt.Sprintf("triage_%s.md", summary.RunID))
	return path, os.WriteFile(path, []byte(summary.Text), 0644)
}
