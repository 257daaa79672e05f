package triage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"triagebot/internal/domain"
)

const defaultConcurrency = 4

// Producer returns raw field recommendations for one ticket.
type Producer interface {
	Recommend(ctx context.Context, ticket domain.Ticket) ([]domain.RawRecommendation, error)
}

// RunParams are the run-level inputs supplied by the scheduler or CLI.
type RunParams struct {
	Filter    string
	Threshold float64
	DryRun    bool
}

// Controller drives one triage run from query to sealed result.
type Controller struct {
	Store        TicketStore
	Producer     Producer
	Normalize    NormalizeOptions
	Concurrency  int
	RetryBackoff time.Duration
	Logger       *zap.Logger

	// Now and NewRunID are replaceable for deterministic tests.
	Now      func() time.Time
	NewRunID func() string
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Controller) runID() string {
	if c.NewRunID != nil {
		return c.NewRunID()
	}
	return uuid.New().String()
}

func (c *Controller) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Controller) workers(tickets int) int {
	n := c.Concurrency
	if n < 1 {
		n = defaultConcurrency
	}
	if tickets < n {
		n = tickets
	}
	if n < 1 {
		n = 1
	}
	return n
}

// RunTriage executes QUERYING -> PROCESSING -> SEALED. A failed ticket
// query aborts the run and is the only case that returns an error.
func (c *Controller) RunTriage(ctx context.Context, p RunParams) (domain.RunResult, error) {
	base := domain.RunResult{
		RunID:     c.runID(),
		StartedAt: c.now(),
		State:     domain.RunQuerying,
		DryRun:    p.DryRun,
		Threshold: p.Threshold,
		Filter:    p.Filter,
	}
	log := c.logger().With(zap.String("run_id", base.RunID))
	log.Info("triage run started", zap.String("filter", p.Filter), zap.Float64("threshold", p.Threshold), zap.Bool("dry_run", p.DryRun))

	tickets, err := c.Store.QueryTickets(ctx, p.Filter)
	if err != nil {
		base.State = domain.RunAborted
		base.AbortReason = fmt.Sprintf("ticket query failed: %v", err)
		base.FinishedAt = c.now()
		log.Error("triage run aborted", zap.Error(err))
		return base, fmt.Errorf("query tickets: %w", err)
	}

	tickets, dupes := uniqueTickets(tickets)
	base.State = domain.RunProcessing
	base.TicketsQueried = len(tickets)
	agg := NewAggregator(base)
	for _, key := range dupes {
		_ = agg.Note(fmt.Sprintf("ticket %s: returned more than once by query, processed once", key))
	}
	log.Info("triage tickets queried", zap.Int("tickets", len(tickets)))

	applier := &Applier{Store: c.Store, DryRun: p.DryRun, RetryBackoff: c.RetryBackoff, Logger: log}

	jobs := make(chan domain.Ticket)
	outcomes := make(chan TicketOutcome)
	halt := make(chan struct{})
	var haltOnce sync.Once
	var halted atomic.Bool
	stop := func() {
		haltOnce.Do(func() {
			halted.Store(true)
			close(halt)
		})
	}

	var undispatched []string
	go func() {
		defer close(jobs)
		for i, t := range tickets {
			if halted.Load() || ctx.Err() != nil {
				undispatched = appendKeys(undispatched, tickets[i:])
				return
			}
			select {
			case jobs <- t:
			case <-halt:
				undispatched = appendKeys(undispatched, tickets[i:])
				return
			case <-ctx.Done():
				undispatched = appendKeys(undispatched, tickets[i:])
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < c.workers(len(tickets)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				if halted.Load() || ctx.Err() != nil {
					outcomes <- TicketOutcome{Ticket: t.Ref(), NotProcessed: true}
					continue
				}
				o := c.processTicket(ctx, t, p, applier)
				if o.Fatal {
					stop()
				}
				outcomes <- o
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		_ = agg.Add(o)
	}

	for _, key := range undispatched {
		_ = agg.MarkNotProcessed(key)
	}
	if halted.Load() {
		_ = agg.Note("processing halted: ticket store connection lost")
	}
	if err := ctx.Err(); err != nil {
		_ = agg.Note(fmt.Sprintf("run cancelled: %v", err))
	}

	result := agg.Seal(domain.RunSealed, c.now())
	log.Info("triage run sealed",
		zap.Int("total", result.TotalRecommendations),
		zap.Int("applied", len(result.Applied)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("manual_review", len(result.ManualReview)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("not_processed", len(result.NotProcessed)),
	)
	return result, nil
}

// processTicket runs producer, normalizer, policy and applier for one
// ticket. Applies are sequential so a ticket never sees concurrent writes.
func (c *Controller) processTicket(ctx context.Context, t domain.Ticket, p RunParams, applier *Applier) TicketOutcome {
	o := TicketOutcome{Ticket: t.Ref()}
	log := applier.logger().With(zap.String("ticket", t.Key))

	raws, err := c.Producer.Recommend(ctx, t)
	if err != nil {
		log.Warn("recommend failed", zap.Error(err))
		o.Errors = append(o.Errors, fmt.Sprintf("ticket %s: recommend: %v", t.Key, err))
		return o
	}
	o.RawCount = len(raws)

	recs, skipped := Normalize(t, raws, c.Normalize)
	o.Skipped = skipped
	for _, s := range skipped {
		log.Info("recommendation skipped", zap.String("field", s.Field), zap.String("reason", s.Reason))
	}

	var stopped *domain.ErrorDetail
	for _, d := range DecideAll(recs, p.Threshold) {
		if d.Intent == domain.IntentManualReview {
			o.ManualReview = append(o.ManualReview, d)
			continue
		}
		if stopped == nil && ctx.Err() != nil {
			stopped = domain.NewErrorDetail(domain.ErrCancelled, 0, "not attempted: run cancelled")
		}
		if stopped != nil {
			o.Failed = append(o.Failed, domain.ApplyResult{Decision: d, Outcome: domain.OutcomeFailed, Error: stopped})
			continue
		}

		res := applier.Apply(ctx, d)
		if res.Outcome == domain.OutcomeFailed {
			o.Failed = append(o.Failed, res)
			if res.Error != nil && res.Error.Fatal() {
				o.Fatal = true
				o.Errors = append(o.Errors, fmt.Sprintf("ticket %s: store connection lost: %s", t.Key, res.Error.Message))
				stopped = domain.NewErrorDetail(domain.ErrConnection, 0, "not attempted: ticket store connection lost")
			}
			continue
		}
		o.Applied = append(o.Applied, res)
	}
	return o
}

func uniqueTickets(tickets []domain.Ticket) ([]domain.Ticket, []string) {
	seen := make(map[string]bool, len(tickets))
	out := make([]domain.Ticket, 0, len(tickets))
	var dupes []string
	for _, t := range tickets {
		if seen[t.Key] {
			dupes = append(dupes, t.Key)
			continue
		}
		seen[t.Key] = true
		out = append(out, t)
	}
	return out, dupes
}

func appendKeys(dst []string, tickets []domain.Ticket) []string {
	for _, t := range tickets {
		dst = append(dst, t.Key)
	}
	return dst
}
