package triage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"triagebot/internal/domain"
)

const defaultRetryBackoff = 500 * time.Millisecond

// TicketStore is the issue tracker as seen by the engine.
type TicketStore interface {
	QueryTickets(ctx context.Context, filter string) ([]domain.Ticket, error)
	// FieldValue reads the live value used for the idempotence pre-check.
	FieldValue(ctx context.Context, key, field string) (domain.Value, error)
	UpdateField(ctx context.Context, key, field string, value domain.Value) error
}

// Applier executes auto-apply decisions against the ticket store.
type Applier struct {
	Store        TicketStore
	DryRun       bool
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

func (a *Applier) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// Apply produces exactly one result for the decision. A write already
// reflected in the store is reported as applied without a second write, and
// only retryable failures get a single extra attempt.
func (a *Applier) Apply(ctx context.Context, d domain.Decision) domain.ApplyResult {
	rec := d.Recommendation
	log := a.logger().With(zap.String("ticket", rec.Ticket.Key), zap.String("field", rec.Field))
	result := domain.ApplyResult{Decision: d}

	if d.Intent != domain.IntentAutoApply {
		result.Outcome = domain.OutcomeFailed
		result.Error = domain.NewErrorDetail(domain.ErrValidation, 0, "decision is not marked for auto-apply")
		return result
	}
	if a.DryRun {
		result.Outcome = domain.OutcomeWouldApply
		return result
	}
	if err := ctx.Err(); err != nil {
		result.Outcome = domain.OutcomeFailed
		result.Error = domain.Classify(err)
		return result
	}

	current, err := a.Store.FieldValue(ctx, rec.Ticket.Key, rec.Field)
	switch {
	case err == nil && current.Equal(rec.ProposedValue):
		log.Info("apply skipped, value already set", zap.String("value", string(current)))
		result.Outcome = domain.OutcomeApplied
		result.NoOp = true
		return result
	case err != nil:
		log.Debug("apply pre-check failed, writing anyway", zap.Error(err))
	}

	backoff := a.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		err := a.Store.UpdateField(ctx, rec.Ticket.Key, rec.Field, rec.ProposedValue)
		if err == nil || errors.Is(err, domain.ErrNoOpUpdate) {
			result.Outcome = domain.OutcomeApplied
			result.NoOp = err != nil
			result.Error = nil
			log.Info("apply succeeded", zap.Int("attempt", attempt), zap.String("value", string(rec.ProposedValue)))
			return result
		}

		detail := domain.Classify(err)
		result.Outcome = domain.OutcomeFailed
		result.Error = detail
		if attempt > 1 || !detail.Retryable() {
			log.Warn("apply failed", zap.Int("attempt", attempt), zap.String("kind", string(detail.Kind)), zap.Error(detail))
			return result
		}

		log.Info("apply transient failure, retrying", zap.String("kind", string(detail.Kind)), zap.Duration("backoff", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result
		case <-timer.C:
		}

		// The failed write may still have landed; a second write is only
		// sent when the store does not already hold the value.
		if current, err := a.Store.FieldValue(ctx, rec.Ticket.Key, rec.Field); err == nil && current.Equal(rec.ProposedValue) {
			log.Info("apply confirmed on re-read, skipping retry", zap.Int("attempt", attempt))
			result.Outcome = domain.OutcomeApplied
			result.Error = nil
			return result
		}
	}
}
