package model

// RunStats summarizes the decisions taken over one run.
type RunStats struct {
	TotalInput     int            `json:"total_input"`
	Rejected       int            `json:"rejected"`
	RejectReasons  map[string]int `json:"reject_reasons"`
	Merged         int            `json:"merged"`
	Discarded      int            `json:"discarded"`
	DiscardReasons map[string]int `json:"discard_reasons"`
	Adjacent       int            `json:"adjacent"`
	Scored         int            `json:"scored"`
	TierA          int            `json:"tier_a"`
	TierB          int            `json:"tier_b"`
	TierC          int            `json:"tier_c"`
	TierD          int            `json:"tier_d"`
	TierU          int            `json:"tier_u"`
	Retry          int            `json:"retry"`
	Exported       int            `json:"exported"`
	OracleCalls    int            `json:"oracle_calls"`
	OracleCostUSD  float64        `json:"oracle_cost_usd"`
}

// NewRunStats returns zeroed stats with initialized maps.
func NewRunStats() RunStats {
	return RunStats{
		RejectReasons:  map[string]int{},
		DiscardReasons: map[string]int{},
	}
}

// TierCount returns the counter for t.
func (s RunStats) TierCount(t Tier) int {
	switch t {
	case TierA:
		return s.TierA
	case TierB:
		return s.TierB
	case TierC:
		return s.TierC
	case TierD:
		return s.TierD
	case TierU:
		return s.TierU
	case TierRetry:
		return s.Retry
	}
	return 0
}

// TierShare is the fraction of resolved leads that landed in t. RETRY
// leads have no resolved score and are left out of the denominator.
func (s RunStats) TierShare(t Tier) float64 {
	if t == TierRetry {
		return 0
	}
	resolved := s.Scored - s.Retry
	if resolved <= 0 {
		return 0
	}
	return float64(s.TierCount(t)) / float64(resolved)
}

// RetryRate is the fraction of scored leads that ended in RETRY.
func (s RunStats) RetryRate() float64 {
	if s.Scored == 0 {
		return 0
	}
	return float64(s.Retry) / float64(s.Scored)
}
