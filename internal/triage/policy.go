package triage

import (
	"fmt"

	"triagebot/internal/domain"
)

const supersededReason = "superseded by higher-confidence recommendation"

// Decide classifies one recommendation. The threshold is inclusive.
func Decide(rec domain.Recommendation, threshold float64) domain.Decision {
	if rec.Confidence >= threshold {
		return domain.Decision{
			Recommendation: rec,
			Intent:         domain.IntentAutoApply,
			Reason:         fmt.Sprintf("confidence %.2f >= threshold %.2f", rec.Confidence, threshold),
		}
	}
	return domain.Decision{
		Recommendation: rec,
		Intent:         domain.IntentManualReview,
		Reason:         fmt.Sprintf("confidence %.2f below threshold %.2f", rec.Confidence, threshold),
	}
}

type fieldKey struct {
	ticket string
	field  string
}

// DecideAll decides a batch and resolves same (ticket, field) conflicts:
// the higher confidence wins, ties keep the first seen, and every loser is
// demoted to manual review. Output order matches input order.
func DecideAll(recs []domain.Recommendation, threshold float64) []domain.Decision {
	winner := make(map[fieldKey]int, len(recs))
	for i, rec := range recs {
		k := fieldKey{ticket: rec.Ticket.Key, field: rec.Field}
		cur, ok := winner[k]
		if !ok || rec.Confidence > recs[cur].Confidence {
			winner[k] = i
		}
	}

	decisions := make([]domain.Decision, 0, len(recs))
	for i, rec := range recs {
		k := fieldKey{ticket: rec.Ticket.Key, field: rec.Field}
		if winner[k] != i {
			decisions = append(decisions, domain.Decision{
				Recommendation: rec,
				Intent:         domain.IntentManualReview,
				Reason:         supersededReason,
			})
			continue
		}
		decisions = append(decisions, Decide(rec, threshold))
	}
	return decisions
}
