package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triagebot/internal/domain"
	"triagebot/internal/integrations/memstore"
	"triagebot/internal/report"
	"triagebot/internal/triage"
)

type scriptedProducer struct {
	mu    sync.Mutex
	recs  map[string][]domain.RawRecommendation
	calls int
}

func (p *scriptedProducer) Recommend(ctx context.Context, t domain.Ticket) ([]domain.RawRecommendation, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.recs[t.Key], nil
}

func (p *scriptedProducer) Info() report.ProducerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return report.ProducerInfo{Provider: "scripted", Model: "v1", InputTokens: int64(100 * p.calls), Calls: p.calls}
}

func rawRec(field, value string, confidence float64) domain.RawRecommendation {
	v, _ := json.Marshal(value)
	c, _ := json.Marshal(confidence)
	return domain.RawRecommendation{Field: field, Proposed: v, Confidence: c, Action: "NEW"}
}

type recordingSink struct {
	mu     sync.Mutex
	audits []report.AuditRecord
	err    error
}

func (s *recordingSink) Persist(ctx context.Context, audit report.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.audits = append(s.audits, audit)
	return nil
}

type recordingNotifier struct {
	sent []report.NotificationSummary
	err  error
}

func (n *recordingNotifier) Send(ctx context.Context, summary report.NotificationSummary) error {
	n.sent = append(n.sent, summary)
	return n.err
}

type staticDedup struct {
	keys  []string
	since time.Time
	err   error
}

func (d *staticDedup) RecentlyTriagedKeys(ctx context.Context, since time.Time) ([]string, error) {
	d.since = since
	return d.keys, d.err
}

func newRunner(t *testing.T, store *memstore.Store, producer *scriptedProducer) *Runner {
	t.Helper()
	return &Runner{
		Engine:   &triage.Controller{Store: store, Producer: producer, Concurrency: 2},
		Producer: producer,
	}
}

func TestRunOnceAppliesAndFansOut(t *testing.T) {
	store := memstore.New(
		domain.Ticket{Key: "T-1", Fields: map[string]domain.Value{}},
		domain.Ticket{Key: "T-2", Fields: map[string]domain.Value{}},
	)
	producer := &scriptedProducer{recs: map[string][]domain.RawRecommendation{
		"T-1": {rawRec("team", "Node", 0.95)},
		"T-2": {rawRec("team", "Storage", 0.40)},
	}}
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("disk full")}
	notifier := &recordingNotifier{}
	outDir := t.TempDir()

	r := newRunner(t, store, producer)
	r.Sinks = []NamedSink{{Name: "good", Sink: good}, {Name: "bad", Sink: bad}}
	r.Notifier = notifier
	r.OutputDir = outDir

	result, rep, err := r.RunOnce(context.Background(), triage.RunParams{Filter: "project = T", Threshold: 0.8})
	require.NoError(t, err)

	assert.Len(t, result.Applied, 1)
	assert.Len(t, result.ManualReview, 1)
	assert.Equal(t, 2, ExitCode(result))
	assert.Equal(t, []memstore.Write{{Key: "T-1", Field: "team", Value: "Node"}}, store.Writes())

	require.Len(t, good.audits, 1)
	assert.Equal(t, result.RunID, good.audits[0].RunID)
	assert.Equal(t, 2, good.audits[0].Producer.Calls)
	assert.Equal(t, int64(200), good.audits[0].Producer.InputTokens)
	assert.Equal(t, []string{"bad: disk full"}, rep.SinkErrors)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, 1, notifier.sent[0].Counts.ManualReview)

	for _, name := range []string{"triage_" + result.RunID + ".json", "triage_" + result.RunID + ".md"} {
		_, statErr := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, statErr, name)
	}
}

func TestRunOnceUsageIsPerRun(t *testing.T) {
	store := memstore.New(domain.Ticket{Key: "T-1", Fields: map[string]domain.Value{}})
	producer := &scriptedProducer{recs: map[string][]domain.RawRecommendation{}}
	sink := &recordingSink{}
	r := newRunner(t, store, producer)
	r.Sinks = []NamedSink{{Name: "mem", Sink: sink}}

	for i := 0; i < 2; i++ {
		_, _, err := r.RunOnce(context.Background(), triage.RunParams{Threshold: 0.8, DryRun: true})
		require.NoError(t, err)
	}
	require.Len(t, sink.audits, 2)
	assert.Equal(t, 1, sink.audits[1].Producer.Calls)
	assert.Equal(t, int64(100), sink.audits[1].Producer.InputTokens)
}

func TestRunOnceDedupExcludesRecentTickets(t *testing.T) {
	store := memstore.New(
		domain.Ticket{Key: "T-1", Fields: map[string]domain.Value{}},
		domain.Ticket{Key: "T-2", Fields: map[string]domain.Value{}},
	)
	producer := &scriptedProducer{recs: map[string][]domain.RawRecommendation{}}
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	dedup := &staticDedup{keys: []string{"T-1"}}

	r := newRunner(t, store, producer)
	r.Dedup = dedup
	r.DedupWindow = 24 * time.Hour
	r.Now = func() time.Time { return now }

	result, _, err := r.RunOnce(context.Background(), triage.RunParams{Filter: "project = T", Threshold: 0.8})
	require.NoError(t, err)
	assert.Equal(t, 1, result.TicketsQueried)
	assert.Equal(t, "(project = T) AND key not in (T-1)", result.Filter)
	assert.Equal(t, now.Add(-24*time.Hour), dedup.since)
}

func TestRunOnceDedupFailureIsIgnored(t *testing.T) {
	store := memstore.New(domain.Ticket{Key: "T-1", Fields: map[string]domain.Value{}})
	r := newRunner(t, store, &scriptedProducer{})
	r.Dedup = &staticDedup{err: errors.New("db locked")}
	r.DedupWindow = time.Hour

	result, _, err := r.RunOnce(context.Background(), triage.RunParams{Filter: "project = T", Threshold: 0.8})
	require.NoError(t, err)
	assert.Equal(t, "project = T", result.Filter)
	assert.Equal(t, 1, result.TicketsQueried)
}

type failingEngine struct{}

func (failingEngine) RunTriage(ctx context.Context, p triage.RunParams) (domain.RunResult, error) {
	return domain.RunResult{RunID: "r-abort", State: domain.RunAborted, AbortReason: "ticket query failed: 503"}, errors.New("query tickets: 503")
}

func TestRunOnceAbortedRunIsStillAudited(t *testing.T) {
	sink := &recordingSink{}
	notifier := &recordingNotifier{err: errors.New("slack down")}
	r := &Runner{Engine: failingEngine{}, Sinks: []NamedSink{{Name: "mem", Sink: sink}}, Notifier: notifier}

	result, rep, err := r.RunOnce(context.Background(), triage.RunParams{Threshold: 0.8})
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(result))
	assert.True(t, rep.Summary.Aborted)
	require.Len(t, sink.audits, 1)
	assert.Equal(t, domain.RunAborted, sink.audits[0].State)
	assert.Len(t, notifier.sent, 1)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name   string
		result domain.RunResult
		want   int
	}{
		{"clean", domain.RunResult{State: domain.RunSealed}, 0},
		{"aborted", domain.RunResult{State: domain.RunAborted}, 1},
		{"failed", domain.RunResult{State: domain.RunSealed, Failed: []domain.ApplyResult{{}}}, 1},
		{"manual", domain.RunResult{State: domain.RunSealed, ManualReview: []domain.Decision{{}}}, 2},
		{"failed wins over manual", domain.RunResult{State: domain.RunSealed, Failed: []domain.ApplyResult{{}}, ManualReview: []domain.Decision{{}}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.result))
		})
	}
}
