package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/resilience"
)

// ErrNotFound is returned when a run or queue entry does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Source string          `json:"source,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// AuditFilter specifies criteria for reading the audit log.
type AuditFilter struct {
	RunID    string         `json:"run_id,omitempty"`
	PermitID string         `json:"permit_id,omitempty"`
	Decision model.Decision `json:"decision,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}

// RetryCounts summarizes the retry queue.
type RetryCounts struct {
	Pending   int `json:"pending"`
	Due       int `json:"due"`
	Exhausted int `json:"exhausted"`
}

// Store persists runs, the append-only audit log and the retry queue.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, source string) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Audit log. Entries can be appended and read, never changed.
	AppendAudit(ctx context.Context, entries []model.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error)

	// Retry queue, keyed by merge key.
	EnqueueRetries(ctx context.Context, entries []resilience.RetryEntry) error
	ListRetries(ctx context.Context, filter resilience.RetryFilter) ([]resilience.RetryEntry, error)
	IncrementRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr, errType string) error
	RemoveRetry(ctx context.Context, id string) error
	CountRetries(ctx context.Context, now time.Time) (RetryCounts, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultLimit = 100

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}
