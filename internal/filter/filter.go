// Package filter applies the deterministic pre-score discard rules that
// keep obvious non-candidates away from the oracle.
package filter

import (
	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/taxonomy"
)

// Discard reason codes.
const (
	ReasonCommercialEntity      = "commercial_entity"
	ReasonProductionBuilderDesc = "production_builder_desc"
	ReasonJunkProject           = "junk_project"
	ReasonTooOld                = "too_old"
	ReasonNoSignal              = "no_signal"
)

// DefaultMaxDaysOld is the staleness cutoff for oracle scoring.
const DefaultMaxDaysOld = 90

// Filter is a compiled, read-only rule set. It is safe for concurrent use.
type Filter struct {
	commercial *taxonomy.Matcher
	builders   *taxonomy.Matcher
	junk       *taxonomy.Matcher
	maxDaysOld int
}

// New compiles a filter from a validated taxonomy. maxDaysOld <= 0 uses
// DefaultMaxDaysOld.
func New(tax *taxonomy.Taxonomy, maxDaysOld int) (*Filter, error) {
	commercial, err := taxonomy.Compile(tax.Commercial)
	if err != nil {
		return nil, err
	}
	builders, err := taxonomy.Compile(map[string][]string{
		taxonomy.FamilyProductionBuilder: tax.Commercial[taxonomy.FamilyProductionBuilder],
	})
	if err != nil {
		return nil, err
	}
	junk, err := taxonomy.Compile(tax.Junk)
	if err != nil {
		return nil, err
	}
	if maxDaysOld <= 0 {
		maxDaysOld = DefaultMaxDaysOld
	}
	return &Filter{commercial: commercial, builders: builders, junk: junk, maxDaysOld: maxDaysOld}, nil
}

// ClassifyDiscard applies the discard rules in order; the first match wins.
// It returns false and an empty reason for leads that should be scored.
func (f *Filter) ClassifyDiscard(lead model.MergedLead) (bool, string) {
	return f.classify(lead, false)
}

// ClassifyAdjacent applies the rules that still hold for a lead the
// adjacent router claimed. Adjacent verticals are exempt from the junk
// rule, and staleness is left to the adjacent decay window.
func (f *Filter) ClassifyAdjacent(lead model.MergedLead) (bool, string) {
	return f.classify(lead, true)
}

func (f *Filter) classify(lead model.MergedLead, adjacent bool) (bool, string) {
	// 1. Owner is a business, government, institution, landlord or builder.
	if lead.HasOwner() {
		if _, ok := f.commercial.Match(lead.OwnerName); ok {
			return true, ReasonCommercialEntity
		}
	}

	// 2. Production builder named in the description.
	if _, ok := f.builders.Match(lead.ProjectDescription); ok {
		return true, ReasonProductionBuilderDesc
	}

	if !adjacent {
		// 3. Project type with no sale for the primary trade.
		if _, ok := f.junk.Match(lead.ProjectDescription); ok {
			return true, ReasonJunkProject
		}

		// 4. Stale.
		if f.Stale(lead) {
			return true, ReasonTooOld
		}
	}

	// 5. Nothing to go on.
	if !lead.HasOwner() && lead.MarketValue == nil && !lead.HasContractor() {
		return true, ReasonNoSignal
	}

	return false, ""
}

// Stale reports whether lead is past the staleness cutoff. Unknown age is
// never stale here; the tier engine routes it to U.
func (f *Filter) Stale(lead model.MergedLead) bool {
	return lead.DaysOld != model.UnknownAge && lead.DaysOld > f.maxDaysOld
}

// MaxDaysOld returns the staleness cutoff in effect.
func (f *Filter) MaxDaysOld() int { return f.maxDaysOld }
