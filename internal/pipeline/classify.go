package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/adjacent"
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/oracle"
	"github.com/sells-group/permit-leads/internal/tier"
)

// classify sends leads through the pool and prices the reported usage.
// Results are aligned with leads.
func (p *Pipeline) classify(ctx context.Context, r *run, leads []model.MergedLead) []oracle.Result {
	if len(leads) == 0 {
		return nil
	}
	reqs := make([]oracle.Request, len(leads))
	for i, l := range leads {
		reqs[i] = oracle.NewRequest(l)
	}

	r.log.Info("pipeline: classifying leads",
		zap.Int("leads", len(reqs)),
		zap.Int("concurrency", p.pool.Concurrency),
	)
	results := p.pool.ClassifyAll(ctx, reqs)
	for _, res := range results {
		if res.Outcome == oracle.OutcomeCanceled {
			continue
		}
		r.spend.Add(res.Usage.Model, res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	return results
}

// fromOracle builds the scored lead for a classification result.
func fromOracle(lead model.MergedLead, res oracle.Result) model.ScoredLead {
	t, flags := tier.Resolve(res, lead.DaysOld)
	out := model.ScoredLead{
		MergedLead:    lead,
		Tier:          t,
		TradeGroup:    model.TradeGroupMain,
		ScoringMethod: model.MethodAI,
	}
	if !res.OK() {
		out.Flags = model.NormalizeFlags(flags)
		out.Reasoning = res.Reason()
		return out
	}

	s := res.Score
	out.Score = s.Score
	out.Reasoning = s.Reasoning
	out.Category = model.CategorySlug(s.Category)
	out.Flags = model.NormalizeFlags(s.Flags, flags)
	out.IdealContractor = s.IdealContractor
	out.ContactPriority = s.ContactPriority
	return out
}

// scoreAdjacent scores a routed lead with the closed-form rule.
func scoreAdjacent(lead model.MergedLead, vertical string) model.ScoredLead {
	score := adjacent.ScoreAdjacentLead(lead.DaysOld, lead.MarketValue)
	t, flags := tier.Assign(score, lead.DaysOld, model.MethodRule)
	return model.ScoredLead{
		MergedLead:    lead,
		Score:         score,
		Tier:          t,
		Reasoning:     fmt.Sprintf("adjacent trade: %s", vertical),
		Flags:         model.NormalizeFlags(flags),
		Category:      vertical,
		TradeGroup:    model.TradeGroupAdjacent,
		ScoringMethod: model.MethodRule,
	}
}
