package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	stats        TEXT,
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL,
	permit_id      TEXT NOT NULL,
	source_city    TEXT NOT NULL,
	address        TEXT NOT NULL,
	decision       TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	tier           TEXT NOT NULL DEFAULT '',
	score          INTEGER NOT NULL DEFAULT 0,
	flags          TEXT NOT NULL DEFAULT '[]',
	scoring_method TEXT NOT NULL DEFAULT '',
	reasoning      TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL
);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TABLE IF NOT EXISTS retry_queue (
	id             TEXT PRIMARY KEY,
	key            TEXT NOT NULL UNIQUE,
	run_id         TEXT NOT NULL,
	lead           TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_run_id ON audit_log(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_permit_id ON audit_log(permit_id);
CREATE INDEX IF NOT EXISTS idx_retry_queue_next_retry ON retry_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, source string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    model.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, status, created_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Source, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error {
	var statsJSON []byte
	if stats != nil {
		var err error
		if statsJSON, err = json.Marshal(stats); err != nil {
			return eris.Wrap(err, "sqlite: marshal stats")
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stats = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), nullableJSON(statsJSON), runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, status, stats, error, created_at, completed_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source, status, stats, error, created_at, completed_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin audit tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (run_id, permit_id, source_city, address, decision, reason, tier, score, flags, scoring_method, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare audit insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, e := range entries {
		flags, err := json.Marshal(flagsOrEmpty(e.Flags))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal flags")
		}
		if _, err := stmt.ExecContext(ctx,
			e.RunID, e.PermitID, e.SourceCity, e.Address, string(e.Decision), e.Reason,
			string(e.Tier), e.Score, string(flags), string(e.ScoringMethod), e.Reasoning, createdOr(e.CreatedAt, now),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert audit %s", e.PermitID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, run_id, permit_id, source_city, address, decision, reason, tier, score, flags, scoring_method, reasoning, created_at
	          FROM audit_log WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.PermitID != "" {
		query += ` AND permit_id = ?`
		args = append(args, filter.PermitID)
	}
	if filter.Decision != "" {
		query += ` AND decision = ?`
		args = append(args, string(filter.Decision))
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limitOr(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var flags string
		if err := rows.Scan(&e.ID, &e.RunID, &e.PermitID, &e.SourceCity, &e.Address, &e.Decision,
			&e.Reason, &e.Tier, &e.Score, &flags, &e.ScoringMethod, &e.Reasoning, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		if err := json.Unmarshal([]byte(flags), &e.Flags); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal flags")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func (s *SQLiteStore) EnqueueRetries(ctx context.Context, entries []resilience.RetryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin retry tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		leadJSON, err := json.Marshal(e.Lead)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal retry lead")
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO retry_queue
			 (id, key, run_id, lead, outcome, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   run_id = excluded.run_id, lead = excluded.lead, outcome = excluded.outcome,
			   error = excluded.error, error_type = excluded.error_type, last_failed_at = excluded.last_failed_at`,
			e.ID, e.Key, e.RunID, string(leadJSON), e.Outcome, e.Error, e.ErrorType,
			e.RetryCount, e.MaxRetries, e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: enqueue retry %s", e.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit retries")
}

func (s *SQLiteStore) ListRetries(ctx context.Context, filter resilience.RetryFilter) ([]resilience.RetryEntry, error) {
	query := `SELECT id, key, run_id, lead, outcome, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM retry_queue`
	var args []any
	if filter.Exhausted {
		query += ` WHERE retry_count >= max_retries ORDER BY last_failed_at DESC`
	} else {
		query += ` WHERE retry_count < max_retries`
		if !filter.DueBefore.IsZero() {
			query += ` AND next_retry_at <= ?`
			args = append(args, filter.DueBefore.UTC())
		}
		query += ` ORDER BY next_retry_at ASC`
	}
	query += ` LIMIT ?`
	args = append(args, limitOr(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list retries")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.RetryEntry
	for rows.Next() {
		var e resilience.RetryEntry
		var leadJSON string
		if err := rows.Scan(&e.ID, &e.Key, &e.RunID, &leadJSON, &e.Outcome, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan retry")
		}
		if err := json.Unmarshal([]byte(leadJSON), &e.Lead); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal retry lead")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list retries iterate")
}

func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr, errType string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, error_type = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, errType, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment retry %s", id)
	}
	return checkRowsAffected(res, "retry entry", id)
}

func (s *SQLiteStore) RemoveRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove retry")
}

func (s *SQLiteStore) CountRetries(ctx context.Context, now time.Time) (RetryCounts, error) {
	var c RetryCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN retry_count < max_retries THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN retry_count < max_retries AND next_retry_at <= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN retry_count >= max_retries THEN 1 ELSE 0 END), 0)
		 FROM retry_queue`,
		now.UTC(),
	).Scan(&c.Pending, &c.Due, &c.Exhausted)
	return c, eris.Wrap(err, "sqlite: count retries")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var statsJSON sql.NullString
	var completed sql.NullTime

	err := row.Scan(&r.ID, &r.Source, &r.Status, &statsJSON, &r.Error, &r.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if statsJSON.Valid && statsJSON.String != "" {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal([]byte(statsJSON.String), r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stats")
		}
	}
	return &r, nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func flagsOrEmpty(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}

func createdOr(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}
