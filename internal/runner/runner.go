package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"triagebot/internal/domain"
	"triagebot/internal/integrations/jira"
	"triagebot/internal/report"
	"triagebot/internal/triage"
)

const sinkTimeout = 30 * time.Second

// Engine executes one triage run.
type Engine interface {
	RunTriage(ctx context.Context, p triage.RunParams) (domain.RunResult, error)
}

// AuditSink stores the audit record of a finished run.
type AuditSink interface {
	Persist(ctx context.Context, audit report.AuditRecord) error
}

// DedupSource lists tickets already triaged by a live run since a time.
type DedupSource interface {
	RecentlyTriagedKeys(ctx context.Context, since time.Time) ([]string, error)
}

type Notifier interface {
	Send(ctx context.Context, summary report.NotificationSummary) error
}

// ProducerInfo reports cumulative producer identity and token usage.
type ProducerInfo interface {
	Info() report.ProducerInfo
}

type NamedSink struct {
	Name string
	Sink AuditSink
}

// Runner wraps the engine with dedup, audit persistence and notification.
type Runner struct {
	Engine      Engine
	Producer    ProducerInfo
	Dedup       DedupSource
	DedupWindow time.Duration
	Sinks       []NamedSink
	// OutputDir receives triage_<run>.json and triage_<run>.md when set.
	OutputDir       string
	Notifier        Notifier
	SummaryMaxItems int
	Logger          *zap.Logger
	Now             func() time.Time
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// RunOnce runs the engine and fans the result out. The returned error is
// the engine's; sink and notification failures are only logged and listed
// in Report.SinkErrors.
func (r *Runner) RunOnce(ctx context.Context, p triage.RunParams) (domain.RunResult, report.Report, error) {
	log := r.logger()
	p.Filter = r.dedupFilter(ctx, p.Filter)

	var before report.ProducerInfo
	if r.Producer != nil {
		before = r.Producer.Info()
	}

	result, runErr := r.Engine.RunTriage(ctx, p)

	opts := report.Options{MaxItems: r.SummaryMaxItems}
	if r.Producer != nil {
		opts.Producer = usageSince(before, r.Producer.Info())
	}
	rep := report.Build(result, opts)
	log = log.With(zap.String("run_id", result.RunID))

	// Audit and notification still go out when the run was cancelled.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	for _, s := range r.Sinks {
		if err := s.Sink.Persist(sinkCtx, rep.Audit); err != nil {
			log.Error("audit sink failed", zap.String("sink", s.Name), zap.Error(err))
			rep.SinkErrors = append(rep.SinkErrors, fmt.Sprintf("%s: %v", s.Name, err))
			continue
		}
		log.Debug("audit sink stored", zap.String("sink", s.Name))
	}
	if r.OutputDir != "" {
		if path, err := report.WriteAuditFile(rep.Audit, r.OutputDir); err != nil {
			log.Error("write audit file failed", zap.Error(err))
			rep.SinkErrors = append(rep.SinkErrors, fmt.Sprintf("audit file: %v", err))
		} else {
			log.Info("audit file written", zap.String("path", path))
		}
		if _, err := report.WriteSummaryFile(rep.Summary, r.OutputDir); err != nil {
			log.Error("write summary file failed", zap.Error(err))
			rep.SinkErrors = append(rep.SinkErrors, fmt.Sprintf("summary file: %v", err))
		}
	}

	if r.Notifier != nil {
		if err := r.Notifier.Send(sinkCtx, rep.Summary); err != nil {
			log.Error("notification failed", zap.Error(err))
		}
	}

	log.Info("triage run finished",
		zap.String("state", string(result.State)),
		zap.Int("exit_code", ExitCode(result)),
		zap.Int("sink_errors", len(rep.SinkErrors)),
	)
	return result, rep, runErr
}

func (r *Runner) dedupFilter(ctx context.Context, filter string) string {
	if r.Dedup == nil || r.DedupWindow <= 0 {
		return filter
	}
	since := r.now().Add(-r.DedupWindow)
	keys, err := r.Dedup.RecentlyTriagedKeys(ctx, since)
	if err != nil {
		r.logger().Warn("dedup lookup failed, running without exclusions", zap.Error(err))
		return filter
	}
	if len(keys) > 0 {
		r.logger().Info("excluding recently triaged tickets", zap.Int("tickets", len(keys)), zap.Time("since", since))
	}
	return jira.ExcludeKeys(filter, keys)
}

// usageSince returns the usage accrued between two snapshots of a
// long-lived producer.
func usageSince(before, after report.ProducerInfo) report.ProducerInfo {
	after.InputTokens -= before.InputTokens
	after.OutputTokens -= before.OutputTokens
	after.Calls -= before.Calls
	return after
}

// ExitCode maps a run to the CLI exit status: 0 success, 1 aborted run or
// failed updates, 2 manual review required.
func ExitCode(result domain.RunResult) int {
	switch {
	case result.Aborted(), len(result.Failed) > 0:
		return 1
	case len(result.ManualReview) > 0:
		return 2
	}
	return 0
}
