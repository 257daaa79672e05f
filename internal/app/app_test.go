package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"triagebot/internal/config"
	"triagebot/internal/domain"
	"triagebot/internal/report"
	"triagebot/internal/runner"
	"triagebot/internal/storage/postgres"
	"triagebot/internal/storage/sqlite"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"dry run", []string{"--dry-run"}, ""},
		{"apply with overrides", []string{"--apply", "--confidence", "85", "--jql", "project = X"}, ""},
		{"serve without mode", []string{"--serve"}, ""},
		{"no mode", nil, "either --dry-run or --apply"},
		{"both modes", []string{"--dry-run", "--apply"}, "mutually exclusive"},
		{"once and serve", []string{"--once", "--serve", "--apply"}, "mutually exclusive"},
		{"bad confidence", []string{"--apply", "--confidence", "150"}, "invalid --confidence"},
		{"stray arg", []string{"--apply", "extra"}, "unexpected argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args, &bytes.Buffer{})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseFlagsHelp(t *testing.T) {
	_, err := parseFlags([]string{"--help"}, &bytes.Buffer{})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
}

func TestRunParamsOverrides(t *testing.T) {
	cfg := config.Config{JiraDefaultJQL: "project = A", ConfidenceThreshold: 0.8}

	p := runParams(cfg, options{dryRun: true})
	if p.Filter != "project = A" || p.Threshold != 0.8 || !p.DryRun {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	p = runParams(cfg, options{apply: true, jql: "project = B", confidence: 90, confidenceSet: true})
	if p.Filter != "project = B" || p.Threshold != 0.9 || p.DryRun {
		t.Fatalf("unexpected overrides: %+v", p)
	}
}

func TestConfidenceFlagZeroOverridesConfig(t *testing.T) {
	cfg := config.Config{ConfidenceThreshold: 0.8}

	opts, err := parseFlags([]string{"--apply", "--confidence", "0"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if p := runParams(cfg, opts); p.Threshold != 0 {
		t.Fatalf("explicit --confidence 0 must apply everything, got threshold %v", p.Threshold)
	}

	opts, err = parseFlags([]string{"--apply"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if p := runParams(cfg, opts); p.Threshold != 0.8 {
		t.Fatalf("missing --confidence must keep the configured threshold, got %v", p.Threshold)
	}

	opts, err = parseFlags([]string{"--apply", "--confidence", "1"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if p := runParams(cfg, opts); p.Threshold != 1 {
		t.Fatalf("--confidence 1 is the 100%% threshold, got %v", p.Threshold)
	}
}

func TestDedupSourcePrefersPostgres(t *testing.T) {
	local := &sqlite.Store{}
	shared := &postgres.Store{}

	if got := dedupSource(local, shared); got != runner.DedupSource(shared) {
		t.Fatalf("expected postgres dedup source, got %T", got)
	}
	if got := dedupSource(local, nil); got != runner.DedupSource(local) {
		t.Fatalf("expected sqlite dedup source without postgres, got %T", got)
	}
}

func TestPrintResultHuman(t *testing.T) {
	result := domain.RunResult{
		RunID:                "run-1",
		State:                domain.RunSealed,
		Threshold:            0.8,
		TotalRecommendations: 2,
		Applied:              []domain.ApplyResult{{Outcome: domain.OutcomeApplied}},
		ManualReview:         []domain.Decision{{}},
	}
	rep := report.Build(result, report.Options{})
	var out bytes.Buffer
	if err := printResult(&out, false, result, rep); err != nil {
		t.Fatalf("printResult failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{"Total recommendations: 2", "Manual review (<80%): 1", "Applied successfully: 1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}

func TestPrintResultJSON(t *testing.T) {
	result := domain.RunResult{RunID: "run-2", State: domain.RunSealed, Threshold: 0.8}
	var out bytes.Buffer
	if err := printResult(&out, true, result, report.Build(result, report.Options{})); err != nil {
		t.Fatalf("printResult failed: %v", err)
	}
	var audit report.AuditRecord
	if err := json.Unmarshal(out.Bytes(), &audit); err != nil {
		t.Fatalf("output is not an audit record: %v", err)
	}
	if audit.RunID != "run-2" || audit.SchemaVersion != report.SchemaVersion {
		t.Fatalf("unexpected audit: %+v", audit)
	}
}

func TestRunDryRunWithTicketsFile(t *testing.T) {
	dir := t.TempDir()
	tickets := filepath.Join(dir, "tickets.yaml")
	if err := os.WriteFile(tickets, []byte("tickets: []\n"), 0644); err != nil {
		t.Fatalf("write tickets: %v", err)
	}
	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("JIRA_URL", "")
	t.Setenv("JIRA_TOKEN", "")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("DB_PATH", filepath.Join(dir, "triagebot.db"))
	t.Setenv("REPORT_OUTPUT_DIR", filepath.Join(dir, "reports"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TICKETS_FILE", "")

	var stdout, stderr bytes.Buffer
	code, err := Run(context.Background(), []string{"--dry-run", "--json-output", "--tickets-file", tickets}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run failed: %v (stderr: %s)", err, stderr.String())
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	var audit report.AuditRecord
	if err := json.Unmarshal(stdout.Bytes(), &audit); err != nil {
		t.Fatalf("stdout is not an audit record: %v\n%s", err, stdout.String())
	}
	if !audit.DryRun || audit.Counts.TicketsQueried != 0 || audit.State != domain.RunSealed {
		t.Fatalf("unexpected audit: %+v", audit)
	}
	if _, err := os.Stat(filepath.Join(dir, "reports", "triage_"+audit.RunID+".json")); err != nil {
		t.Fatalf("audit file missing: %v", err)
	}
}
