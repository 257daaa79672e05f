package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"triagebot/internal/domain"
	"triagebot/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS triage_runs (
	run_id        TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	dry_run       BOOLEAN NOT NULL DEFAULT FALSE,
	threshold     DOUBLE PRECISION NOT NULL,
	filter        TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	total         INTEGER NOT NULL DEFAULT 0,
	applied       INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	manual_review INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	llm_provider  TEXT NOT NULL DEFAULT '',
	llm_model     TEXT NOT NULL DEFAULT '',
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	record        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triage_runs_started ON triage_runs(started_at);

CREATE TABLE IF NOT EXISTS triage_outcomes (
	id             BIGSERIAL PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES triage_runs(run_id) ON DELETE CASCADE,
	ticket_key     TEXT NOT NULL,
	field          TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	proposed_value TEXT NOT NULL DEFAULT '',
	current_value  TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_kind     TEXT NOT NULL DEFAULT '',
	detail         TEXT NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triage_outcomes_ticket ON triage_outcomes(ticket_key, recorded_at);
`

// Store is a Postgres-backed audit sink.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to Postgres, verifies the connection and creates the audit
// tables when missing.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, logger: logger.Named("postgres")}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("postgres audit store ready", zap.String("host", cfg.ConnConfig.Host), zap.String("database", cfg.ConnConfig.Database))
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Persist upserts the run row and replaces its outcome rows in one
// transaction.
func (s *Store) Persist(ctx context.Context, audit report.AuditRecord) error {
	record, err := audit.JSON()
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c := audit.Counts
	_, err = tx.Exec(ctx, `
		INSERT INTO triage_runs (run_id, state, dry_run, threshold, filter, started_at, finished_at,
			total, applied, failed, manual_review, skipped, llm_provider, llm_model, input_tokens, output_tokens, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (run_id) DO UPDATE SET
			state = EXCLUDED.state, finished_at = EXCLUDED.finished_at,
			total = EXCLUDED.total, applied = EXCLUDED.applied, failed = EXCLUDED.failed,
			manual_review = EXCLUDED.manual_review, skipped = EXCLUDED.skipped,
			input_tokens = EXCLUDED.input_tokens, output_tokens = EXCLUDED.output_tokens,
			record = EXCLUDED.record`,
		audit.RunID, string(audit.State), audit.DryRun, audit.Threshold, audit.Filter,
		audit.StartedAt.UTC(), audit.FinishedAt.UTC(),
		c.Total, c.Applied+c.WouldApply, c.Failed, c.ManualReview, c.Skipped,
		audit.Producer.Provider, audit.Producer.Model, audit.Producer.InputTokens, audit.Producer.OutputTokens,
		string(record),
	)
	if err != nil {
		return fmt.Errorf("upsert triage run: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM triage_outcomes WHERE run_id = $1`, audit.RunID); err != nil {
		return fmt.Errorf("clear triage outcomes: %w", err)
	}

	rows := audit.Outcomes()
	if len(rows) > 0 {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(`
				INSERT INTO triage_outcomes (run_id, ticket_key, field, outcome, proposed_value, current_value,
					confidence, error_kind, detail, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				row.RunID, row.TicketKey, row.Field, row.Outcome, row.ProposedValue, row.CurrentValue,
				row.Confidence, row.ErrorKind, row.Detail, row.RecordedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert triage outcomes: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("audit record stored", zap.String("run_id", audit.RunID), zap.Int("outcomes", len(rows)))
	return nil
}

// RecentlyTriagedKeys lists tickets that had a field applied by a live run
// since the given time.
func (s *Store) RecentlyTriagedKeys(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT o.ticket_key FROM triage_outcomes o
		JOIN triage_runs r ON r.run_id = o.run_id
		WHERE o.outcome = $1 AND NOT r.dry_run AND o.recorded_at >= $2
		ORDER BY o.ticket_key`,
		string(domain.OutcomeApplied), since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) Close() {
	s.pool.Close()
}
