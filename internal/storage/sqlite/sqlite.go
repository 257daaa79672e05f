package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"triagebot/internal/domain"
	"triagebot/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS triage_runs (
	run_id        TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	dry_run       INTEGER NOT NULL DEFAULT 0,
	threshold     REAL NOT NULL,
	filter        TEXT NOT NULL DEFAULT '',
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME,
	total         INTEGER NOT NULL DEFAULT 0,
	applied       INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	manual_review INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	llm_provider  TEXT DEFAULT '',
	llm_model     TEXT DEFAULT '',
	input_tokens  INTEGER DEFAULT 0,
	output_tokens INTEGER DEFAULT 0,
	record_json   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triage_runs_started ON triage_runs(started_at);

CREATE TABLE IF NOT EXISTS triage_outcomes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL,
	ticket_key     TEXT NOT NULL,
	field          TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	proposed_value TEXT DEFAULT '',
	current_value  TEXT DEFAULT '',
	confidence     REAL DEFAULT 0,
	error_kind     TEXT DEFAULT '',
	detail         TEXT DEFAULT '',
	recorded_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triage_outcomes_run ON triage_outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_triage_outcomes_ticket ON triage_outcomes(ticket_key, recorded_at);
`

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SaveRun stores the run and its outcomes in one transaction. Saving the
// same run id again replaces the previous rows.
func SaveRun(ctx context.Context, db *sql.DB, audit report.AuditRecord) error {
	record, err := audit.JSON()
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c := audit.Counts
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO triage_runs (run_id, state, dry_run, threshold, filter, started_at, finished_at,
		 total, applied, failed, manual_review, skipped, llm_provider, llm_model, input_tokens, output_tokens, record_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.RunID, string(audit.State), audit.DryRun, audit.Threshold, audit.Filter,
		audit.StartedAt.UTC(), audit.FinishedAt.UTC(),
		c.Total, c.Applied+c.WouldApply, c.Failed, c.ManualReview, c.Skipped,
		audit.Producer.Provider, audit.Producer.Model, audit.Producer.InputTokens, audit.Producer.OutputTokens,
		string(record),
	)
	if err != nil {
		return fmt.Errorf("insert triage run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM triage_outcomes WHERE run_id = ?`, audit.RunID); err != nil {
		return fmt.Errorf("clear triage outcomes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO triage_outcomes (run_id, ticket_key, field, outcome, proposed_value, current_value, confidence, error_kind, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range audit.Outcomes() {
		if _, err := stmt.ExecContext(ctx,
			row.RunID, row.TicketKey, row.Field, row.Outcome, row.ProposedValue, row.CurrentValue,
			row.Confidence, row.ErrorKind, row.Detail, row.RecordedAt,
		); err != nil {
			return fmt.Errorf("insert triage outcome %s/%s: %w", row.TicketKey, row.Field, err)
		}
	}
	return tx.Commit()
}

// RecentlyTriagedKeys lists tickets that had a field applied by a live run
// since the given time.
func RecentlyTriagedKeys(ctx context.Context, db *sql.DB, since time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT o.ticket_key FROM triage_outcomes o
		 JOIN triage_runs r ON r.run_id = o.run_id
		 WHERE o.outcome = ? AND r.dry_run = 0 AND o.recorded_at >= ?
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

// Store adapts the database to the runner's audit sink.
type Store struct {
	DB *sql.DB
}

func (s *Store) Persist(ctx context.Context, audit report.AuditRecord) error {
	return SaveRun(ctx, s.DB, audit)
}

func (s *Store) RecentlyTriagedKeys(ctx context.Context, since time.Time) ([]string, error) {
	return RecentlyTriagedKeys(ctx, s.DB, since)
}
