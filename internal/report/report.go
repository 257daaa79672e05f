package report

import (
	"fmt"
	"strings"
	"time"

	"triagebot/internal/domain"
)

// SchemaVersion is bumped whenever the audit record layout changes.
const SchemaVersion = 1

const defaultMaxItems = 5

// ProducerInfo describes the recommendation producer used for a run.
type ProducerInfo struct {
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
	Calls        int    `json:"calls,omitempty"`
}

type Options struct {
	// MaxItems caps the failed and manual-review entries in the summary.
	MaxItems int
	Producer ProducerInfo
}

type Counts struct {
	TicketsQueried int `json:"tickets_queried"`
	Total          int `json:"total"`
	Applied        int `json:"applied"`
	NoOp           int `json:"no_op"`
	WouldApply     int `json:"would_apply"`
	Failed         int `json:"failed"`
	ManualReview   int `json:"manual_review"`
	Skipped        int `json:"skipped"`
	NotProcessed   int `json:"not_processed"`
	Errors         int `json:"errors"`
}

// AuditRecord is the persisted form of a run.
type AuditRecord struct {
	SchemaVersion int              `json:"schema_version"`
	RunID         string           `json:"run_id"`
	State         domain.RunState  `json:"state"`
	DryRun        bool             `json:"dry_run"`
	Threshold     float64          `json:"threshold"`
	Filter        string           `json:"filter"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	DurationMS    int64            `json:"duration_ms"`
	Producer      ProducerInfo     `json:"producer"`
	Counts        Counts           `json:"counts"`
	Result        domain.RunResult `json:"result"`
}

type SummaryItem struct {
	Ticket     string  `json:"ticket"`
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail"`
}

// NotificationSummary is the short form posted to the notification channel.
type NotificationSummary struct {
	RunID            string        `json:"run_id"`
	DryRun           bool          `json:"dry_run"`
	Aborted          bool          `json:"aborted"`
	AbortReason      string        `json:"abort_reason,omitempty"`
	Counts           Counts        `json:"counts"`
	Failed           []SummaryItem `json:"failed"`
	FailedMore       int           `json:"failed_more"`
	ManualReview     []SummaryItem `json:"manual_review"`
	ManualReviewMore int           `json:"manual_review_more"`
	Text             string        `json:"text"`
}

type Report struct {
	Audit   AuditRecord
	Summary NotificationSummary
	// SinkErrors lists audit sinks that failed to store the record. They
	// never change the run outcome.
	SinkErrors []string
}

// Build derives the audit record and notification summary from a sealed
// run. It has no side effects.
func Build(result domain.RunResult, opts Options) Report {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	counts := countResult(result)

	audit := AuditRecord{
		SchemaVersion: SchemaVersion,
		RunID:         result.RunID,
		State:         result.State,
		DryRun:        result.DryRun,
		Threshold:     result.Threshold,
		Filter:        result.Filter,
		StartedAt:     result.StartedAt,
		FinishedAt:    result.FinishedAt,
		Producer:      opts.Producer,
		Counts:        counts,
		Result:        result,
	}
	if !result.FinishedAt.IsZero() && result.FinishedAt.After(result.StartedAt) {
		audit.DurationMS = result.FinishedAt.Sub(result.StartedAt).Milliseconds()
	}

	summary := NotificationSummary{
		RunID:       result.RunID,
		DryRun:      result.DryRun,
		Aborted:     result.Aborted(),
		AbortReason: result.AbortReason,
		Counts:      counts,
	}
	summary.Failed, summary.FailedMore = failedItems(result.Failed, maxItems)
	summary.ManualReview, summary.ManualReviewMore = manualItems(result.ManualReview, maxItems)
	summary.Text = renderSummary(summary)

	return Report{Audit: audit, Summary: summary}
}

func countResult(r domain.RunResult) Counts {
	c := Counts{
		TicketsQueried: r.TicketsQueried,
		Total:          r.TotalRecommendations,
		Failed:         len(r.Failed),
		ManualReview:   len(r.ManualReview),
		Skipped:        len(r.Skipped),
		NotProcessed:   len(r.NotProcessed),
		Errors:         len(r.Errors),
	}
	for _, a := range r.Applied {
		switch {
		case a.Outcome == domain.OutcomeWouldApply:
			c.WouldApply++
		case a.NoOp:
			c.Applied++
			c.NoOp++
		default:
			c.Applied++
		}
	}
	return c
}

func failedItems(list []domain.ApplyResult, limit int) ([]SummaryItem, int) {
	items := make([]SummaryItem, 0, min(len(list), limit))
	for i, f := range list {
		if i >= limit {
			break
		}
		rec := f.Decision.Recommendation
		detail := "unknown error"
		if f.Error != nil {
			detail = f.Error.Error()
		}
		items = append(items, SummaryItem{
			Ticket:     rec.Ticket.Key,
			Field:      rec.Field,
			Value:      string(rec.ProposedValue),
			Confidence: rec.Confidence,
			Detail:     detail,
		})
	}
	return items, len(list) - len(items)
}

func manualItems(list []domain.Decision, limit int) ([]SummaryItem, int) {
	items := make([]SummaryItem, 0, min(len(list), limit))
	for i, d := range list {
		if i >= limit {
			break
		}
		rec := d.Recommendation
		items = append(items, SummaryItem{
			Ticket:     rec.Ticket.Key,
			Field:      rec.Field,
			Value:      string(rec.ProposedValue),
			Confidence: rec.Confidence,
			Detail:     d.Reason,
		})
	}
	return items, len(list) - len(items)
}

func renderSummary(s NotificationSummary) string {
	var b strings.Builder
	title := "Auto-triage run"
	if s.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(&b, "*%s* `%s`\n", title, s.RunID)

	if s.Aborted {
		fmt.Fprintf(&b, "Run aborted: %s\n", s.AbortReason)
		return b.String()
	}

	c := s.Counts
	fmt.Fprintf(&b, "Tickets: %d | Recommendations: %d\n", c.TicketsQueried, c.Total)
	if s.DryRun {
		fmt.Fprintf(&b, "Would apply: %d | Manual review: %d | Skipped: %d\n", c.WouldApply, c.ManualReview, c.Skipped)
	} else {
		fmt.Fprintf(&b, "Applied: %d | Failed: %d | Manual review: %d | Skipped: %d\n", c.Applied, c.Failed, c.ManualReview, c.Skipped)
	}
	if c.NotProcessed > 0 {
		fmt.Fprintf(&b, "Not processed: %d\n", c.NotProcessed)
	}

	writeItems(&b, "Failed", s.Failed, s.FailedMore)
	writeItems(&b, "Needs review", s.ManualReview, s.ManualReviewMore)
	return b.String()
}

func writeItems(b *strings.Builder, heading string, items []SummaryItem, more int) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n*%s*\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s %s → %s (%.0f%%): %s\n", it.Ticket, it.Field, it.Value, it.Confidence*100, it.Detail)
	}
	if more > 0 {
		fmt.Fprintf(b, "- and %d more\n", more)
	}
}
