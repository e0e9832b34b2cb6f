// Package aggregate accumulates run statistics and groups scored leads
// into export buckets.
package aggregate

import (
	"maps"
	"sort"
	"sync"

	"github.com/sells-group/permit-leads/internal/model"
)

// Stats records every pipeline decision for one run.
type Stats struct {
	mu sync.Mutex
	s  model.RunStats
}

// NewStats returns an empty accumulator.
func NewStats() *Stats {
	return &Stats{s: model.NewRunStats()}
}

// Input counts raw records read.
func (st *Stats) Input(n int) {
	st.mu.Lock()
	st.s.TotalInput += n
	st.mu.Unlock()
}

// Reject counts a record that failed normalization.
func (st *Stats) Reject(reason string) {
	st.mu.Lock()
	st.s.Rejected++
	st.s.RejectReasons[reason]++
	st.mu.Unlock()
}

// Merged counts records folded into another by the merge engine.
func (st *Stats) Merged(n int) {
	st.mu.Lock()
	st.s.Merged += n
	st.mu.Unlock()
}

// Discard counts a lead dropped by the pre-score filter.
func (st *Stats) Discard(reason string) {
	st.mu.Lock()
	st.s.Discarded++
	st.s.DiscardReasons[reason]++
	st.mu.Unlock()
}

// Scored counts a lead that reached tier assignment.
func (st *Stats) Scored(l model.ScoredLead) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.Scored++
	if l.ScoringMethod == model.MethodRule {
		st.s.Adjacent++
	}
	switch l.Tier {
	case model.TierA:
		st.s.TierA++
	case model.TierB:
		st.s.TierB++
	case model.TierC:
		st.s.TierC++
	case model.TierD:
		st.s.TierD++
	case model.TierU:
		st.s.TierU++
	case model.TierRetry:
		st.s.Retry++
	}
}

// OracleSpend records classifier calls and their cost.
func (st *Stats) OracleSpend(calls int, usd float64) {
	st.mu.Lock()
	st.s.OracleCalls += calls
	st.s.OracleCostUSD += usd
	st.mu.Unlock()
}

// Exported counts rows handed to export sinks.
func (st *Stats) Exported(n int) {
	st.mu.Lock()
	st.s.Exported += n
	st.mu.Unlock()
}

// Freeze returns an independent copy of the counters.
func (st *Stats) Freeze() model.RunStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.s
	out.RejectReasons = maps.Clone(st.s.RejectReasons)
	out.DiscardReasons = maps.Clone(st.s.DiscardReasons)
	return out
}

// Key identifies one export bucket.
type Key struct {
	TradeGroup string     `json:"trade_group"`
	Category   string     `json:"category"`
	Tier       model.Tier `json:"tier"`
}

// Name is a filesystem- and sheet-safe bucket name.
func (k Key) Name() string {
	return k.TradeGroup + "_" + model.CategorySlug(k.Category) + "_" + string(k.Tier)
}

// Bucket is an ordered group of exportable leads.
type Bucket struct {
	Key   Key
	Leads []model.ScoredLead
}

// Buckets groups exportable leads by (trade group, category, tier). Tier
// D and RETRY never appear. Leads are ordered by score desc, then
// freshness, then permit id; buckets are ordered by key.
func Buckets(leads []model.ScoredLead) []Bucket {
	groups := make(map[Key][]model.ScoredLead)
	for _, l := range leads {
		if !l.Tier.Exportable() {
			continue
		}
		k := Key{TradeGroup: l.TradeGroup, Category: l.Category, Tier: l.Tier}
		groups[k] = append(groups[k], l)
	}

	out := make([]Bucket, 0, len(groups))
	for k, ls := range groups {
		sort.SliceStable(ls, func(i, j int) bool { return leadLess(ls[i], ls[j]) })
		out = append(out, Bucket{Key: k, Leads: ls})
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// Count returns the number of leads across buckets.
func Count(buckets []Bucket) int {
	n := 0
	for _, b := range buckets {
		n += len(b.Leads)
	}
	return n
}

func leadLess(a, b model.ScoredLead) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if ad, bd := ageRank(a.DaysOld), ageRank(b.DaysOld); ad != bd {
		return ad < bd
	}
	if a.PermitID != b.PermitID {
		return a.PermitID < b.PermitID
	}
	return a.Key.String() < b.Key.String()
}

// ageRank sorts unknown ages after every known age.
func ageRank(days int) int {
	if days == model.UnknownAge {
		return int(^uint(0) >> 1)
	}
	return days
}

func keyLess(a, b Key) bool {
	if a.TradeGroup != b.TradeGroup {
		return a.TradeGroup < b.TradeGroup
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	return a.Tier < b.Tier
}
