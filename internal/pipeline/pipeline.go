// Package pipeline runs a batch of raw permit records through
// normalization, merge, filtering, adjacent routing, classification,
// tiering and export, and records every decision in the audit log.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/adjacent"
	"github.com/sells-group/permit-leads/internal/aggregate"
	"github.com/sells-group/permit-leads/internal/cost"
	"github.com/sells-group/permit-leads/internal/export"
	"github.com/sells-group/permit-leads/internal/filter"
	"github.com/sells-group/permit-leads/internal/merge"
	"github.com/sells-group/permit-leads/internal/metrics"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/monitoring"
	"github.com/sells-group/permit-leads/internal/normalize"
	"github.com/sells-group/permit-leads/internal/oracle"
	"github.com/sells-group/permit-leads/internal/resilience"
	"github.com/sells-group/permit-leads/internal/store"
)

// Deps are the collaborators of a Pipeline. Store, Filter, Router and
// Classifier are required; the rest are optional.
type Deps struct {
	Store      store.Store
	Filter     *filter.Filter
	Router     *adjacent.Router
	Classifier oracle.Classifier

	// Concurrency and CallTimeout bound the classification pool.
	Concurrency int
	CallTimeout time.Duration

	Costs       *cost.Calculator
	Sinks       []export.Sink
	Metrics     *metrics.Metrics
	Alerter     *monitoring.Alerter
	RetryPolicy resilience.RetryPolicy

	// Now is the clock used for ages and retry schedules. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline orchestrates one run over a batch of raw records.
type Pipeline struct {
	store   store.Store
	filter  *filter.Filter
	router  *adjacent.Router
	pool    *oracle.Pool
	costs   *cost.Calculator
	sinks   []export.Sink
	metrics *metrics.Metrics
	alerter *monitoring.Alerter
	policy  resilience.RetryPolicy
	now     func() time.Time
}

// New validates deps and builds a Pipeline.
func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Store == nil:
		return nil, eris.New("pipeline: store is required")
	case d.Filter == nil:
		return nil, eris.New("pipeline: filter is required")
	case d.Router == nil:
		return nil, eris.New("pipeline: adjacent router is required")
	case d.Classifier == nil:
		return nil, eris.New("pipeline: classifier is required")
	}

	p := &Pipeline{
		store:   d.Store,
		filter:  d.Filter,
		router:  d.Router,
		costs:   d.Costs,
		sinks:   d.Sinks,
		metrics: d.Metrics,
		alerter: d.Alerter,
		policy:  d.RetryPolicy,
		now:     d.Now,
	}
	if p.costs == nil {
		p.costs = cost.NewCalculator(cost.DefaultRates())
	}
	if p.policy.MaxRetries <= 0 {
		p.policy = resilience.DefaultRetryPolicy()
	}
	if p.now == nil {
		p.now = time.Now
	}

	p.pool = oracle.NewPool(d.Classifier)
	if d.Concurrency > 0 {
		p.pool.Concurrency = d.Concurrency
	}
	if d.CallTimeout > 0 {
		p.pool.CallTimeout = d.CallTimeout
	}
	if p.metrics != nil {
		p.pool.Observe = func(_ oracle.Request, res oracle.Result, elapsed time.Duration) {
			p.metrics.ObserveOracle(string(res.Outcome), elapsed)
		}
	}
	return p, nil
}

// Result summarizes one run.
type Result struct {
	RunID   string             `json:"run_id"`
	Status  model.RunStatus    `json:"status"`
	Stats   model.RunStats     `json:"stats"`
	Leads   []model.ScoredLead `json:"-"`
	Buckets []aggregate.Bucket `json:"-"`
	Exports []export.Result    `json:"exports"`
	// Exhausted counts queue entries that ran out of retries in this run.
	Exhausted int `json:"exhausted,omitempty"`
}

// run carries the state of one execution.
type run struct {
	id    string
	log   *zap.Logger
	stats *aggregate.Stats
	audit []model.AuditEntry
	leads []model.ScoredLead
	spend *cost.Tracker
	// degraded is set when a persistence or export step failed.
	degraded bool
}

func (p *Pipeline) startRun(ctx context.Context, source string) (*run, error) {
	r, err := p.store.CreateRun(ctx, source)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	return &run{
		id:    r.ID,
		log:   zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", r.ID), zap.String("source", source)),
		stats: aggregate.NewStats(),
		spend: cost.NewTracker(p.costs),
	}, nil
}

// Run processes one batch. Per-record problems never abort the batch; a
// canceled ctx stops classification early and the run is stored as
// partial with every completed lead still audited and exported.
func (p *Pipeline) Run(ctx context.Context, source string, raws []normalize.RawRecord, defaults normalize.Defaults) (*Result, error) {
	r, err := p.startRun(ctx, source)
	if err != nil {
		return nil, err
	}
	r.log.Info("pipeline: starting run", zap.Int("records", len(raws)))
	start := time.Now()
	now := p.now()

	r.stats.Input(len(raws))
	records := p.normalizeAll(r, raws, defaults)

	leads := merge.Merge(records, now)
	r.stats.Merged(len(records) - len(leads))

	var toClassify []model.MergedLead
	for _, lead := range leads {
		vertical, routed := p.router.Route(lead.ProjectDescription)
		classifyDiscard := p.filter.ClassifyDiscard
		if routed {
			classifyDiscard = p.filter.ClassifyAdjacent
		}
		if discard, reason := classifyDiscard(lead); discard {
			r.discard(lead, reason)
			continue
		}
		if routed {
			r.addLead(scoreAdjacent(lead, vertical))
			continue
		}
		toClassify = append(toClassify, lead)
	}

	results := p.classify(ctx, r, toClassify)
	var retries []resilience.RetryEntry
	for i, lead := range toClassify {
		scored := fromOracle(lead, results[i])
		r.addLead(scored)
		if scored.Tier == model.TierRetry {
			retries = append(retries, p.policy.NewEntry(r.id, lead, string(results[i].Outcome), results[i].Err, now))
		}
	}

	// Persistence and export outlive ctx so a canceled batch keeps its
	// completed leads.
	persistCtx := context.WithoutCancel(ctx)
	if len(retries) > 0 {
		if err := p.store.EnqueueRetries(persistCtx, retries); err != nil {
			r.log.Error("pipeline: enqueue retries failed", zap.Int("entries", len(retries)), zap.Error(err))
			r.degraded = true
		}
	}

	res := p.finish(persistCtx, r, ctx.Err(), 0)
	r.log.Info("pipeline: run complete",
		zap.String("status", string(res.Status)),
		zap.Int("scored", res.Stats.Scored),
		zap.Int("discarded", res.Stats.Discarded),
		zap.Int("rejected", res.Stats.Rejected),
		zap.Int("retry", res.Stats.Retry),
		zap.Int("exported", res.Stats.Exported),
		zap.Float64("oracle_cost_usd", res.Stats.OracleCostUSD),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (p *Pipeline) normalizeAll(r *run, raws []normalize.RawRecord, defaults normalize.Defaults) []model.PermitRecord {
	records := make([]model.PermitRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := normalize.Normalize(raw, defaults)
		if err != nil {
			reason := "invalid_record"
			var rej *normalize.RejectError
			if errors.As(err, &rej) {
				reason = rej.Reason
			}
			r.stats.Reject(reason)
			r.audit = append(r.audit, model.AuditEntry{
				RunID:      r.id,
				PermitID:   raw.Lookup("permit_id"),
				SourceCity: raw.Lookup("source_city"),
				Address:    raw.Lookup("property_address"),
				Decision:   model.DecisionRejected,
				Reason:     reason,
			})
			r.log.Debug("pipeline: record rejected", zap.String("reason", reason), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (r *run) discard(lead model.MergedLead, reason string) {
	r.stats.Discard(reason)
	r.audit = append(r.audit, model.AuditForDiscard(r.id, lead, reason))
}

func (r *run) addLead(l model.ScoredLead) {
	r.stats.Scored(l)
	r.leads = append(r.leads, l)
	r.audit = append(r.audit, model.AuditForScored(r.id, l))
}

// finish writes the audit log, exports, stores the final run record and
// publishes metrics and alerts. interrupted is the batch context's error.
func (p *Pipeline) finish(ctx context.Context, r *run, interrupted error, exhausted int) *Result {
	if len(r.audit) > 0 {
		if err := p.store.AppendAudit(ctx, r.audit); err != nil {
			r.log.Error("pipeline: audit write failed", zap.Int("entries", len(r.audit)), zap.Error(err))
			r.degraded = true
		}
	}

	calls, usd := r.spend.Totals()
	r.stats.OracleSpend(calls, usd)
	if unpriced := r.spend.UnpricedModels(); len(unpriced) > 0 {
		r.log.Warn("pipeline: no pricing for models, cost understated", zap.Strings("models", unpriced))
	}

	buckets := aggregate.Buckets(r.leads)
	exports, exportErr := export.WriteAll(ctx, p.sinks, r.id, buckets)
	r.stats.Exported(aggregate.Count(buckets))

	status := model.RunStatusComplete
	var runErr string
	switch {
	case exportErr != nil && allFailed(exports) && aggregate.Count(buckets) > 0:
		status = model.RunStatusFailed
		runErr = exportErr.Error()
	case interrupted != nil:
		status = model.RunStatusPartial
		runErr = interrupted.Error()
	case exportErr != nil:
		status = model.RunStatusPartial
		runErr = exportErr.Error()
	case r.degraded:
		status = model.RunStatusPartial
		runErr = "persistence step failed, see logs"
	}

	stats := r.stats.Freeze()
	if err := p.store.FinishRun(ctx, r.id, status, &stats, runErr); err != nil {
		r.log.Error("pipeline: finish run failed", zap.Error(err))
	}

	if p.metrics != nil {
		p.metrics.RecordRun(status, stats)
		for _, l := range r.leads {
			p.metrics.ObserveLead(l)
		}
		if counts, err := p.store.CountRetries(ctx, p.now()); err == nil {
			p.metrics.SetRetryQueue(counts.Pending, counts.Due, counts.Exhausted)
		}
	}
	if p.alerter != nil {
		if alerts := p.alerter.EvaluateRun(r.id, status, stats, exhausted); len(alerts) > 0 {
			p.alerter.SendAlerts(ctx, alerts)
		}
	}

	return &Result{
		RunID:     r.id,
		Status:    status,
		Stats:     stats,
		Leads:     r.leads,
		Buckets:   buckets,
		Exports:   exports,
		Exhausted: exhausted,
	}
}

func allFailed(results []export.Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Error == "" {
			return false
		}
	}
	return true
}
