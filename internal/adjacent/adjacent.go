// Package adjacent routes permits whose work signals an upsell for a
// neighbouring trade and scores them with a closed-form decay.
package adjacent

import (
	"math"
	"strings"

	"github.com/sells-group/permit-leads/internal/taxonomy"
)

// Scoring constants.
const (
	WindowDays     = 45
	MaxScore       = 60
	ValueFloor     = 200000.0
	ValueSpan      = 600000.0
	ValuePoints    = 15.0
	TierAThreshold = 45
)

// Router maps a project description to an adjacent-trade vertical.
type Router struct {
	verticals *taxonomy.Matcher
	weak      *taxonomy.Matcher
}

// NewRouter compiles the adjacent and weak-adjacency families of tax.
func NewRouter(tax *taxonomy.Taxonomy) (*Router, error) {
	verticals, err := taxonomy.Compile(tax.Adjacent)
	if err != nil {
		return nil, err
	}
	weak, err := taxonomy.Compile(map[string][]string{"weak": tax.WeakAdjacency})
	if err != nil {
		return nil, err
	}
	return &Router{verticals: verticals, weak: weak}, nil
}

// Route returns the vertical for description, or false when the work is
// not adjacent. Weak adjacency (water heaters, sewer lines) is never routed.
func (r *Router) Route(description string) (string, bool) {
	if strings.TrimSpace(description) == "" {
		return "", false
	}
	if _, weak := r.weak.Match(description); weak {
		return "", false
	}
	return r.verticals.Match(description)
}

// ScoreAdjacentLead scores an adjacent-trade lead from freshness and
// property value. Freshness decays linearly to zero at WindowDays; value
// adds up to ValuePoints between ValueFloor and ValueFloor+ValueSpan. A
// lead at or past the window, or of unknown age, scores 0.
func ScoreAdjacentLead(daysOld int, marketValue *float64) int {
	if daysOld < 0 || daysOld >= WindowDays {
		return 0
	}
	freshness := float64(WindowDays - daysOld)

	value := 0.0
	if marketValue != nil {
		value = clamp((*marketValue-ValueFloor)/ValueSpan, 0, 1) * ValuePoints
	}

	return int(math.Floor(math.Min(freshness+value, MaxScore)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
