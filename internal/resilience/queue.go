package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/permit-leads/internal/model"
)

// RetryEntry is a lead whose classification failed and must be attempted
// again in a later run. Entries are never dropped: once RetryCount reaches
// MaxRetries they stay queued as exhausted until an operator acts.
type RetryEntry struct {
	ID           string           `json:"id"`
	Key          string           `json:"key"`
	RunID        string           `json:"run_id"`
	Lead         model.MergedLead `json:"lead"`
	Outcome      string           `json:"outcome"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"error_type"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	CreatedAt    time.Time        `json:"created_at"`
	LastFailedAt time.Time        `json:"last_failed_at"`
}

// RetryFilter selects queue entries.
type RetryFilter struct {
	// Exhausted selects entries that used up their retries when true and
	// entries still retryable when false.
	Exhausted bool
	// DueBefore, when set, keeps only retryable entries whose NextRetryAt
	// is not after it. Ignored for exhausted entries.
	DueBefore time.Time
	Limit     int
}

// CanRetry reports whether another attempt is allowed.
func (e *RetryEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Exhausted reports whether the entry ran out of attempts.
func (e *RetryEntry) Exhausted() bool {
	return !e.CanRetry()
}

// RetryPolicy schedules queued attempts.
type RetryPolicy struct {
	MaxRetries int
	Backoff    Backoff
}

// DefaultRetryPolicy retries up to five times starting one hour out.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Backoff:    Backoff{Initial: time.Hour, Max: 24 * time.Hour, Multiplier: 2},
	}
}

// NewEntry builds a first-failure entry for lead.
func (p RetryPolicy) NewEntry(runID string, lead model.MergedLead, outcome string, cause error, now time.Time) RetryEntry {
	msg := outcome
	if cause != nil {
		msg = cause.Error()
	}
	return RetryEntry{
		ID:           uuid.New().String(),
		Key:          lead.Key.String(),
		RunID:        runID,
		Lead:         lead,
		Outcome:      outcome,
		Error:        msg,
		ErrorType:    ClassifyError(cause),
		MaxRetries:   p.MaxRetries,
		NextRetryAt:  now.Add(p.Backoff.Delay(0)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// NextRetryAt returns when an entry that has failed retryCount times
// should be attempted again.
func (p RetryPolicy) NextRetryAt(retryCount int, now time.Time) time.Time {
	return now.Add(p.Backoff.Delay(retryCount))
}
