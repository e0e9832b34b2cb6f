package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal    int `json:"runs_total"`
	RunsComplete int `json:"runs_complete"`
	RunsPartial  int `json:"runs_partial"`
	RunsFailed   int `json:"runs_failed"`

	Scored        int     `json:"scored"`
	Retry         int     `json:"retry"`
	RetryRate     float64 `json:"retry_rate"`
	OracleCostUSD float64 `json:"oracle_cost_usd"`

	// Retry queue depth, independent of the window.
	RetryPending   int `json:"retry_pending"`
	RetryDue       int `json:"retry_due"`
	RetryExhausted int `json:"retry_exhausted"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers a snapshot from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

const collectPageSize = 500

// Collect gathers a snapshot of runs created in the last lookbackHours plus
// the current retry queue depth.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs are listed newest first, so paging stops at the first run older
	// than the cutoff.
	for offset := 0; ; offset += collectPageSize {
		runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: collectPageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		done := len(runs) < collectPageSize
		for _, r := range runs {
			if r.CreatedAt.Before(cutoff) {
				done = true
				break
			}
			snap.add(r)
		}
		if done {
			break
		}
	}
	if snap.Scored > 0 {
		snap.RetryRate = float64(snap.Retry) / float64(snap.Scored)
	}

	counts, err := c.store.CountRetries(ctx, now)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count retries")
	}
	snap.RetryPending = counts.Pending
	snap.RetryDue = counts.Due
	snap.RetryExhausted = counts.Exhausted

	return snap, nil
}

func (s *MetricsSnapshot) add(r model.Run) {
	s.RunsTotal++
	switch r.Status {
	case model.RunStatusComplete:
		s.RunsComplete++
	case model.RunStatusPartial:
		s.RunsPartial++
	case model.RunStatusFailed:
		s.RunsFailed++
	}
	if r.Stats != nil {
		s.Scored += r.Stats.Scored
		s.Retry += r.Stats.Retry
		s.OracleCostUSD += r.Stats.OracleCostUSD
	}
}
