package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/filter"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/oracle"
	"github.com/sells-group/permit-leads/internal/resilience"
)

// RetrySource is the run source recorded for retry passes.
const RetrySource = "retry"

// Retry re-classifies up to limit queue entries that are due. Ages are
// recomputed from the stored issue date and an entry that has gone stale
// is discarded without an oracle call. A resolved entry leaves the
// queue; a failed one is rescheduled, and one that reaches its retry
// budget stays queued as exhausted.
func (p *Pipeline) Retry(ctx context.Context, limit int) (*Result, error) {
	now := p.now()
	entries, err := p.store.ListRetries(ctx, resilience.RetryFilter{DueBefore: now, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list due retries")
	}

	r, err := p.startRun(ctx, RetrySource)
	if err != nil {
		return nil, err
	}
	r.log.Info("pipeline: retrying queued leads", zap.Int("due", len(entries)))
	start := time.Now()

	r.stats.Input(len(entries))
	persistCtx := context.WithoutCancel(ctx)
	var (
		queued []resilience.RetryEntry
		leads  []model.MergedLead
	)
	for _, e := range entries {
		lead := e.Lead
		lead.DaysOld = model.AgeInDays(lead.IssuedDate, now)
		if p.filter.Stale(lead) {
			// Aged out while queued.
			r.discard(lead, filter.ReasonTooOld)
			if err := p.store.RemoveRetry(persistCtx, e.ID); err != nil {
				r.log.Error("pipeline: remove stale retry failed", zap.String("id", e.ID), zap.Error(err))
				r.degraded = true
			}
			continue
		}
		queued = append(queued, e)
		leads = append(leads, lead)
	}

	results := p.classify(ctx, r, leads)
	exhausted := 0
	for i, e := range queued {
		res := results[i]
		if res.Outcome == oracle.OutcomeCanceled {
			// Never attempted; the entry keeps its schedule.
			continue
		}

		scored := fromOracle(leads[i], res)
		r.addLead(scored)

		if res.OK() {
			if err := p.store.RemoveRetry(persistCtx, e.ID); err != nil {
				r.log.Error("pipeline: remove resolved retry failed", zap.String("id", e.ID), zap.Error(err))
				r.degraded = true
			}
			continue
		}

		count := e.RetryCount + 1
		errType := resilience.ClassifyError(res.Err)
		if err := p.store.IncrementRetry(persistCtx, e.ID, p.policy.NextRetryAt(count, now), res.Reason(), errType); err != nil {
			r.log.Error("pipeline: reschedule retry failed", zap.String("id", e.ID), zap.Error(err))
			r.degraded = true
			continue
		}
		if count >= e.MaxRetries {
			exhausted++
			r.log.Error("pipeline: lead exhausted its retries",
				zap.String("lead", leads[i].Label()),
				zap.Int("attempts", count),
				zap.String("last_error", res.Reason()),
			)
		}
	}

	res := p.finish(persistCtx, r, ctx.Err(), exhausted)
	r.log.Info("pipeline: retry pass complete",
		zap.String("status", string(res.Status)),
		zap.Int("attempted", len(entries)),
		zap.Int("resolved", res.Stats.Scored-res.Stats.Retry),
		zap.Int("still_retry", res.Stats.Retry),
		zap.Int("exhausted", exhausted),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}
