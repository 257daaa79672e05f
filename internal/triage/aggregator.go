package triage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"triagebot/internal/domain"
)

var errSealed = errors.New("run result already sealed")

// TicketOutcome is everything one ticket contributed to a run. Workers
// emit it as a single unit so a ticket is never half recorded.
type TicketOutcome struct {
	Ticket       domain.TicketRef
	RawCount     int
	Skipped      []domain.SkippedRecommendation
	ManualReview []domain.Decision
	Applied      []domain.ApplyResult
	Failed       []domain.ApplyResult
	Errors       []string
	// Fatal is set when the store connection was lost while applying.
	Fatal bool
	// NotProcessed marks a ticket handed to a worker after the run halted.
	NotProcessed bool
}

func (o TicketOutcome) balanced() bool {
	return len(o.Skipped)+len(o.ManualReview)+len(o.Applied)+len(o.Failed) == o.RawCount
}

// Aggregator folds ticket outcomes into a run result. It is append-only
// and must be driven by a single goroutine.
type Aggregator struct {
	result domain.RunResult
	sealed bool
}

func NewAggregator(base domain.RunResult) *Aggregator {
	return &Aggregator{result: base}
}

func (a *Aggregator) Add(o TicketOutcome) error {
	if a.sealed {
		return errSealed
	}
	if o.NotProcessed {
		return a.MarkNotProcessed(o.Ticket.Key)
	}
	r := &a.result
	r.TotalRecommendations += o.RawCount
	r.Skipped = append(r.Skipped, o.Skipped...)
	r.ManualReview = append(r.ManualReview, o.ManualReview...)
	r.Errors = append(r.Errors, o.Errors...)
	r.Applied = append(r.Applied, o.Applied...)
	r.Failed = append(r.Failed, o.Failed...)
	if !o.balanced() {
		r.Errors = append(r.Errors, fmt.Sprintf("ticket %s: outcome counts do not match %d recommendations", o.Ticket.Key, o.RawCount))
	}
	return nil
}

// Note appends a run-level diagnostic.
func (a *Aggregator) Note(msg string) error {
	if a.sealed {
		return errSealed
	}
	a.result.Errors = append(a.result.Errors, msg)
	return nil
}

func (a *Aggregator) MarkNotProcessed(key string) error {
	if a.sealed {
		return errSealed
	}
	a.result.NotProcessed = append(a.result.NotProcessed, key)
	a.result.Errors = append(a.result.Errors, fmt.Sprintf("ticket %s: not processed", key))
	return nil
}

// Seal finalizes the result. Every list is ordered by ticket key then
// field so the audit record does not depend on completion order.
func (a *Aggregator) Seal(state domain.RunState, finishedAt time.Time) domain.RunResult {
	if !a.sealed {
		r := &a.result
		r.State = state
		r.FinishedAt = finishedAt
		sortApply(r.Applied)
		sortApply(r.Failed)
		sort.SliceStable(r.ManualReview, func(i, j int) bool {
			return recLess(r.ManualReview[i].Recommendation, r.ManualReview[j].Recommendation)
		})
		sort.SliceStable(r.Skipped, func(i, j int) bool {
			if r.Skipped[i].Ticket.Key != r.Skipped[j].Ticket.Key {
				return r.Skipped[i].Ticket.Key < r.Skipped[j].Ticket.Key
			}
			return r.Skipped[i].Field < r.Skipped[j].Field
		})
		sort.Strings(r.NotProcessed)
		sort.Strings(r.Errors)
		a.sealed = true
	}
	return a.snapshot()
}

func (a *Aggregator) snapshot() domain.RunResult {
	out := a.result
	out.Applied = append([]domain.ApplyResult{}, a.result.Applied...)
	out.Failed = append([]domain.ApplyResult{}, a.result.Failed...)
	out.ManualReview = append([]domain.Decision{}, a.result.ManualReview...)
	out.Skipped = append([]domain.SkippedRecommendation{}, a.result.Skipped...)
	out.Errors = append([]string{}, a.result.Errors...)
	out.NotProcessed = append([]string(nil), a.result.NotProcessed...)
	return out
}

func sortApply(list []domain.ApplyResult) {
	sort.SliceStable(list, func(i, j int) bool {
		return recLess(list[i].Decision.Recommendation, list[j].Decision.Recommendation)
	})
}

func recLess(a, b domain.Recommendation) bool {
	if a.Ticket.Key != b.Ticket.Key {
		return a.Ticket.Key < b.Ticket.Key
	}
	return a.Field < b.Field
}
