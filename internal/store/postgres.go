package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/db"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var preparedStatements = map[string]string{
	"insert_run": `INSERT INTO runs (id, source, status, created_at) VALUES ($1, $2, $3, $4)`,
	"finish_run": `UPDATE runs SET status = $1, stats = $2, error = $3, completed_at = $4 WHERE id = $5`,
	"get_run":    `SELECT id, source, status, stats, error, created_at, completed_at FROM runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	stats        JSONB,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_log (
	id             BIGSERIAL PRIMARY KEY,
	run_id         TEXT NOT NULL,
	permit_id      TEXT NOT NULL,
	source_city    TEXT NOT NULL,
	address        TEXT NOT NULL,
	decision       TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	tier           TEXT NOT NULL DEFAULT '',
	score          INTEGER NOT NULL DEFAULT 0,
	flags          TEXT[] NOT NULL DEFAULT '{}',
	scoring_method TEXT NOT NULL DEFAULT '',
	reasoning      TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE RULE audit_log_no_update AS ON UPDATE TO audit_log DO INSTEAD NOTHING;
CREATE OR REPLACE RULE audit_log_no_delete AS ON DELETE TO audit_log DO INSTEAD NOTHING;

CREATE TABLE IF NOT EXISTS retry_queue (
	id             TEXT PRIMARY KEY,
	key            TEXT NOT NULL UNIQUE,
	run_id         TEXT NOT NULL,
	lead           JSONB NOT NULL,
	outcome        TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_run_id ON audit_log(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_permit_id ON audit_log(permit_id);
CREATE INDEX IF NOT EXISTS idx_retry_queue_next_retry ON retry_queue(next_retry_at);
`

var auditColumns = []string{
	"run_id", "permit_id", "source_city", "address", "decision", "reason",
	"tier", "score", "flags", "scoring_method", "reasoning", "created_at",
}

var retryColumns = []string{
	"id", "key", "run_id", "lead", "outcome", "error", "error_type",
	"retry_count", "max_retries", "next_retry_at", "created_at", "last_failed_at",
}

// On conflict a re-failed lead refreshes its payload and error but keeps
// its retry count and schedule.
var retryUpdateColumns = []string{"run_id", "lead", "outcome", "error", "error_type", "last_failed_at"}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, source string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		Source:    source,
		Status:    model.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, source, status, created_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.Source, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error {
	var statsJSON []byte
	if stats != nil {
		var err error
		if statsJSON, err = json.Marshal(stats); err != nil {
			return eris.Wrap(err, "postgres: marshal stats")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, stats = $2, error = $3, completed_at = $4 WHERE id = $5`,
		string(status), statsJSON, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source, status, stats, error, created_at, completed_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, source, status, stats, error, created_at, completed_at FROM runs WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// AppendAudit bulk-appends entries with COPY.
func (s *PostgresStore) AppendAudit(ctx context.Context, entries []model.AuditEntry) error {
	now := time.Now().UTC()
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{
			e.RunID, e.PermitID, e.SourceCity, e.Address, string(e.Decision), e.Reason,
			string(e.Tier), e.Score, flagsOrEmpty(e.Flags), string(e.ScoringMethod), e.Reasoning,
			createdOr(e.CreatedAt, now),
		}
	}
	_, err := db.CopyFrom(ctx, s.pool, "audit_log", auditColumns, rows)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, run_id, permit_id, source_city, address, decision, reason, tier, score, flags, scoring_method, reasoning, created_at
	          FROM audit_log WHERE 1=1`
	var args []any
	argIdx := 1
	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.PermitID != "" {
		query += fmt.Sprintf(` AND permit_id = $%d`, argIdx)
		args = append(args, filter.PermitID)
		argIdx++
	}
	if filter.Decision != "" {
		query += fmt.Sprintf(` AND decision = $%d`, argIdx)
		args = append(args, string(filter.Decision))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY id ASC LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var decision, tier, method string
		if err := rows.Scan(&e.ID, &e.RunID, &e.PermitID, &e.SourceCity, &e.Address, &decision,
			&e.Reason, &tier, &e.Score, &e.Flags, &method, &e.Reasoning, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		e.Decision = model.Decision(decision)
		e.Tier = model.Tier(tier)
		e.ScoringMethod = model.ScoringMethod(method)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// EnqueueRetries upserts entries by merge key through a COPY-backed temp table.
func (s *PostgresStore) EnqueueRetries(ctx context.Context, entries []resilience.RetryEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		leadJSON, err := json.Marshal(e.Lead)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal retry lead")
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		rows = append(rows, []any{
			e.ID, e.Key, e.RunID, leadJSON, e.Outcome, e.Error, e.ErrorType,
			e.RetryCount, e.MaxRetries, e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "retry_queue",
		Columns:      retryColumns,
		ConflictKeys: []string{"key"},
		UpdateCols:   retryUpdateColumns,
	}, rows)
	return eris.Wrap(err, "postgres: enqueue retries")
}

func (s *PostgresStore) ListRetries(ctx context.Context, filter resilience.RetryFilter) ([]resilience.RetryEntry, error) {
	query := `SELECT id, key, run_id, lead, outcome, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM retry_queue`
	var args []any
	argIdx := 1
	if filter.Exhausted {
		query += ` WHERE retry_count >= max_retries ORDER BY last_failed_at DESC`
	} else {
		query += ` WHERE retry_count < max_retries`
		if !filter.DueBefore.IsZero() {
			query += fmt.Sprintf(` AND next_retry_at <= $%d`, argIdx)
			args = append(args, filter.DueBefore.UTC())
			argIdx++
		}
		query += ` ORDER BY next_retry_at ASC`
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list retries")
	}
	defer rows.Close()

	var out []resilience.RetryEntry
	for rows.Next() {
		var e resilience.RetryEntry
		var leadJSON []byte
		if err := rows.Scan(&e.ID, &e.Key, &e.RunID, &leadJSON, &e.Outcome, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan retry")
		}
		if err := json.Unmarshal(leadJSON, &e.Lead); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal retry lead")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list retries iterate")
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr, errType string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE retry_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, error_type = $3, last_failed_at = now()
		 WHERE id = $4`,
		nextRetryAt.UTC(), lastErr, errType, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "retry entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveRetry(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove retry")
}

func (s *PostgresStore) CountRetries(ctx context.Context, now time.Time) (RetryCounts, error) {
	var c RetryCounts
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE retry_count < max_retries),
		   COUNT(*) FILTER (WHERE retry_count < max_retries AND next_retry_at <= $1),
		   COUNT(*) FILTER (WHERE retry_count >= max_retries)
		 FROM retry_queue`,
		now.UTC(),
	).Scan(&c.Pending, &c.Due, &c.Exhausted)
	return c, eris.Wrap(err, "postgres: count retries")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var statsJSON []byte
	if err := row.Scan(&r.ID, &r.Source, &status, &statsJSON, &r.Error, &r.CreatedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if len(statsJSON) > 0 {
		r.Stats = &model.RunStats{}
		if err := json.Unmarshal(statsJSON, r.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stats")
		}
	}
	return &r, nil
}
