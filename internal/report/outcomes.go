package report

import (
	"time"

	"triagebot/internal/domain"
)

// Outcome labels for entries that never reached the applier.
const (
	OutcomeManualReview = "MANUAL_REVIEW"
	OutcomeSkipped      = "SKIPPED"
)

// OutcomeEntry is one (ticket, field) line of a run, flattened for
// row-oriented audit stores.
type OutcomeEntry struct {
	RunID         string
	TicketKey     string
	Field         string
	Outcome       string
	ProposedValue string
	CurrentValue  string
	Confidence    float64
	ErrorKind     string
	Detail        string
	RecordedAt    time.Time
}

// Outcomes flattens every classified recommendation of the run.
func (a AuditRecord) Outcomes() []OutcomeEntry {
	r := a.Result
	at := a.FinishedAt.UTC()
	if a.FinishedAt.IsZero() {
		at = time.Now().UTC()
	}
	fromRec := func(rec domain.Recommendation, outcome string) OutcomeEntry {
		e := OutcomeEntry{
			RunID:         a.RunID,
			TicketKey:     rec.Ticket.Key,
			Field:         rec.Field,
			Outcome:       outcome,
			ProposedValue: string(rec.ProposedValue),
			Confidence:    rec.Confidence,
			RecordedAt:    at,
		}
		if rec.CurrentValue != nil {
			e.CurrentValue = string(*rec.CurrentValue)
		}
		return e
	}

	out := make([]OutcomeEntry, 0, r.TotalRecommendations)
	for _, list := range [][]domain.ApplyResult{r.Applied, r.Failed} {
		for _, res := range list {
			e := fromRec(res.Decision.Recommendation, string(res.Outcome))
			if res.Error != nil {
				e.ErrorKind = string(res.Error.Kind)
				e.Detail = res.Error.Message
			} else if res.NoOp {
				e.Detail = "no-op"
			}
			out = append(out, e)
		}
	}
	for _, d := range r.ManualReview {
		e := fromRec(d.Recommendation, OutcomeManualReview)
		e.Detail = d.Reason
		out = append(out, e)
	}
	for _, s := range r.Skipped {
		out = append(out, OutcomeEntry{
			RunID:      a.RunID,
			TicketKey:  s.Ticket.Key,
			Field:      s.Field,
			Outcome:    OutcomeSkipped,
			Detail:     s.Reason,
			RecordedAt: at,
		})
	}
	return out
}
