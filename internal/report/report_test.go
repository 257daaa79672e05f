package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagebot/internal/domain"
)

func sampleResult() domain.RunResult {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rec := func(key string, conf float64) domain.Recommendation {
		return domain.Recommendation{Ticket: domain.TicketRef{Key: key}, Field: "team", ProposedValue: "Node", Confidence: conf}
	}
	r := domain.RunResult{
		RunID:                "run-42",
		StartedAt:            start,
		FinishedAt:           start.Add(1500 * time.Millisecond),
		State:                domain.RunSealed,
		Threshold:            0.8,
		Filter:               "project = OCPBUGS",
		TicketsQueried:       12,
		TotalRecommendations: 11,
		Applied: []domain.ApplyResult{
			{Decision: domain.Decision{Recommendation: rec("T1", 0.9), Intent: domain.IntentAutoApply}, Outcome: domain.OutcomeApplied, Attempts: 1},
			{Decision: domain.Decision{Recommendation: rec("T2", 0.95), Intent: domain.IntentAutoApply}, Outcome: domain.OutcomeApplied, NoOp: true},
		},
		Failed: []domain.ApplyResult{
			{Decision: domain.Decision{Recommendation: rec("T3", 0.85), Intent: domain.IntentAutoApply}, Outcome: domain.OutcomeFailed,
				Error: domain.NewErrorDetail(domain.ErrPermission, 403, "forbidden")},
		},
		Skipped: []domain.SkippedRecommendation{{Ticket: domain.TicketRef{Key: "T4"}, Field: "team", Reason: "no-op"}},
		Errors:  []string{},
	}
	for i := 0; i < 7; i++ {
		r.ManualReview = append(r.ManualReview, domain.Decision{
			Recommendation: rec(fmt.Sprintf("M%d", i), 0.5),
			Intent:         domain.IntentManualReview,
			Reason:         "confidence 0.50 below threshold 0.80",
		})
	}
	return r
}

func TestBuildCountsAndOverflow(t *testing.T) {
	result := sampleResult()
	rep := Build(result, Options{Producer: ProducerInfo{Provider: "anthropic", Model: "claude-test", InputTokens: 100}})

	a := rep.Audit
	assert.Equal(t, SchemaVersion, a.SchemaVersion)
	assert.Equal(t, "run-42", a.RunID)
	assert.Equal(t, int64(1500), a.DurationMS)
	assert.Equal(t, "anthropic", a.Producer.Provider)
	assert.Equal(t, Counts{
		TicketsQueried: 12, Total: 11, Applied: 2, NoOp: 1, Failed: 1, ManualReview: 7, Skipped: 1,
	}, a.Counts)
	assert.Equal(t, result, a.Result)

	s := rep.Summary
	require.Len(t, s.Failed, 1)
	assert.Zero(t, s.FailedMore)
	assert.Contains(t, s.Failed[0].Detail, "forbidden")
	require.Len(t, s.ManualReview, defaultMaxItems)
	assert.Equal(t, 2, s.ManualReviewMore)
	assert.Equal(t, "M0", s.ManualReview[0].Ticket)
	assert.Contains(t, s.Text, "and 2 more")
	assert.Contains(t, s.Text, "Applied: 2 | Failed: 1 | Manual review: 7 | Skipped: 1")
}

func TestBuildRespectsMaxItems(t *testing.T) {
	rep := Build(sampleResult(), Options{MaxItems: 2})
	assert.Len(t, rep.Summary.ManualReview, 2)
	assert.Equal(t, 5, rep.Summary.ManualReviewMore)
}

func TestBuildDryRunSummary(t *testing.T) {
	result := sampleResult()
	result.DryRun = true
	for i := range result.Applied {
		result.Applied[i].Outcome = domain.OutcomeWouldApply
		result.Applied[i].NoOp = false
	}
	rep := Build(result, Options{})

	assert.Equal(t, 2, rep.Audit.Counts.WouldApply)
	assert.Zero(t, rep.Audit.Counts.Applied)
	assert.Contains(t, rep.Summary.Text, "(dry run)")
	assert.Contains(t, rep.Summary.Text, "Would apply: 2")
}

func TestBuildAbortedSummary(t *testing.T) {
	rep := Build(domain.RunResult{RunID: "run-9", State: domain.RunAborted, AbortReason: "ticket query failed: 401"}, Options{})

	assert.True(t, rep.Summary.Aborted)
	assert.Contains(t, rep.Summary.Text, "Run aborted: ticket query failed: 401")
	assert.NotNil(t, rep.Summary.Failed)
	assert.NotNil(t, rep.Summary.ManualReview)
}

func TestWriteAuditAndSummaryFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	rep := Build(sampleResult(), Options{})

	auditPath, err := WriteAuditFile(rep.Audit, dir)
	require.NoError(t, err)
	assert.Equal(t, "triage_run-42.json", filepath.Base(auditPath))

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	var decoded AuditRecord
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, rep.Audit.Counts, decoded.Counts)
	assert.Equal(t, "run-42", decoded.Result.RunID)

	summaryPath, err := WriteSummaryFile(rep.Summary, dir)
	require.NoError(t, err)
	body, err := os.ReadFile(summaryPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "*Auto-triage run*"))
}
