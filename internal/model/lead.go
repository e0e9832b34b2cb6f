package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// UnknownAge is the DaysOld sentinel for leads whose issue date is unknown.
const UnknownAge = -1

// MergeKey identifies one physical permit across sources.
type MergeKey struct {
	Address    string `json:"address"`
	SourceCity string `json:"source_city"`
}

// String renders the key in a stable form usable as a map or row key.
func (k MergeKey) String() string {
	return k.SourceCity + "|" + k.Address
}

// SourceRef names one input record folded into a merged lead.
type SourceRef struct {
	PermitID   string     `json:"permit_id"`
	SourceKind SourceKind `json:"source_kind"`
}

// MergedLead is the canonical record for one merge key.
type MergedLead struct {
	PermitRecord
	Key     MergeKey    `json:"key"`
	DaysOld int         `json:"days_old"`
	Sources []SourceRef `json:"sources"`
}

// AgeInDays returns whole days between issued and today, UnknownAge when
// issued is nil, and 0 for future-dated permits.
func AgeInDays(issued *time.Time, today time.Time) int {
	if issued == nil {
		return UnknownAge
	}
	y1, m1, d1 := issued.Date()
	y2, m2, d2 := today.Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	days := int(to.Sub(from).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Tier is the final priority class of a lead.
type Tier string

const (
	TierA     Tier = "A"
	TierB     Tier = "B"
	TierC     Tier = "C"
	TierD     Tier = "D"
	TierU     Tier = "U"
	TierRetry Tier = "RETRY"
)

// Exportable reports whether leads of this tier may leave the system.
func (t Tier) Exportable() bool {
	switch t {
	case TierA, TierB, TierC, TierU:
		return true
	}
	return false
}

// ScoringMethod records which path produced a score.
type ScoringMethod string

const (
	MethodRule ScoringMethod = "RULE"
	MethodAI   ScoringMethod = "AI"
)

// Flag values attached by the tier engine.
const (
	FlagAIConfirmedGarbage = "ai_confirmed_garbage"
	FlagAdjacentExpired    = "adjacent_expired"
	FlagOracleRetry        = "oracle_retry"
)

// Trade groups. Oracle-scored leads go to the main group; routed leads go
// to the adjacent group with their vertical as category.
const (
	TradeGroupMain     = "main"
	TradeGroupAdjacent = "adjacent"
)

// DefaultCategory labels a scored lead whose category is blank.
const DefaultCategory = "general"

// CategorySlug reduces a free-text category to lowercase [a-z0-9_-] so it
// can name export files and sheets. Any other run of characters becomes a
// single underscore. A category with nothing usable left is DefaultCategory.
func CategorySlug(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		default:
			sep = true
		}
	}
	out := strings.Trim(b.String(), "_-")
	if out == "" {
		return DefaultCategory
	}
	return out
}

// ScoredLead is a merged lead with its final classification.
type ScoredLead struct {
	MergedLead
	Score           int           `json:"score"`
	Tier            Tier          `json:"tier"`
	Reasoning       string        `json:"reasoning"`
	Flags           []string      `json:"flags"`
	Category        string        `json:"category"`
	TradeGroup      string        `json:"trade_group"`
	ScoringMethod   ScoringMethod `json:"scoring_method"`
	IdealContractor string        `json:"ideal_contractor,omitempty"`
	ContactPriority string        `json:"contact_priority,omitempty"`
}

// NormalizeFlags returns flags sorted with duplicates and blanks removed.
func NormalizeFlags(flags ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, set := range flags {
		for _, f := range set {
			if f == "" {
				continue
			}
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Label is a short human identifier used in logs.
func (l MergedLead) Label() string {
	return fmt.Sprintf("%s@%s", l.PermitID, l.Key.String())
}
