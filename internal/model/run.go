package model

import "time"

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one execution of the pipeline over a batch.
type Run struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Status      RunStatus  `json:"status"`
	Stats       *RunStats  `json:"stats,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Decision is the kind of outcome an audit entry records.
type Decision string

const (
	DecisionRejected  Decision = "rejected"
	DecisionDiscarded Decision = "discarded"
	DecisionScored    Decision = "scored"
	DecisionRetry     Decision = "retry"
)

// AuditEntry is one append-only record of a pipeline decision.
type AuditEntry struct {
	ID            int64         `json:"id,omitempty"`
	RunID         string        `json:"run_id"`
	PermitID      string        `json:"permit_id"`
	SourceCity    string        `json:"source_city"`
	Address       string        `json:"address"`
	Decision      Decision      `json:"decision"`
	Reason        string        `json:"reason,omitempty"`
	Tier          Tier          `json:"tier,omitempty"`
	Score         int           `json:"score"`
	Flags         []string      `json:"flags,omitempty"`
	ScoringMethod ScoringMethod `json:"scoring_method,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// AuditForScored builds the audit entry for a classified lead.
func AuditForScored(runID string, l ScoredLead) AuditEntry {
	d := DecisionScored
	if l.Tier == TierRetry {
		d = DecisionRetry
	}
	return AuditEntry{
		RunID:         runID,
		PermitID:      l.PermitID,
		SourceCity:    l.SourceCity,
		Address:       l.PropertyAddress,
		Decision:      d,
		Tier:          l.Tier,
		Score:         l.Score,
		Flags:         l.Flags,
		ScoringMethod: l.ScoringMethod,
		Reasoning:     l.Reasoning,
	}
}

// AuditForDiscard builds the audit entry for a lead dropped by the pre-score filter.
func AuditForDiscard(runID string, l MergedLead, reason string) AuditEntry {
	return AuditEntry{
		RunID:      runID,
		PermitID:   l.PermitID,
		SourceCity: l.SourceCity,
		Address:    l.PropertyAddress,
		Decision:   DecisionDiscarded,
		Reason:     reason,
	}
}
