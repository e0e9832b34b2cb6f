// Package oracle defines the contract with the external lead classifier
// and the backends, decorators and worker pool built around it.
package oracle

import (
	"context"
	"fmt"

	"github.com/sells-group/permit-leads/internal/model"
)

// Request is the payload sent to the classifier for one lead.
type Request struct {
	Address        string   `json:"address"`
	OwnerName      string   `json:"owner_name"`
	ContractorName string   `json:"contractor_name"`
	Description    string   `json:"description"`
	MarketValue    *float64 `json:"market_value"`
	DaysOld        int      `json:"days_old"`
}

// NewRequest builds the classifier request for a merged lead.
func NewRequest(l model.MergedLead) Request {
	return Request{
		Address:        l.PropertyAddress,
		OwnerName:      l.OwnerName,
		ContractorName: l.ContractorName,
		Description:    l.ProjectDescription,
		MarketValue:    l.MarketValue,
		DaysOld:        l.DaysOld,
	}
}

// ScoreResult is a validated classifier response.
type ScoreResult struct {
	Score           int      `json:"score"`
	Reasoning       string   `json:"reasoning"`
	Category        string   `json:"category"`
	Flags           []string `json:"flags"`
	IdealContractor string   `json:"ideal_contractor"`
	ContactPriority string   `json:"contact_priority"`
}

// Outcome discriminates Result.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeMalformed Outcome = "malformed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Usage is the token spend reported by a backend for one call.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Result is the tagged outcome of one classification call. Score is set
// only for OutcomeOK; Raw keeps the payload of a malformed response.
type Result struct {
	Outcome Outcome
	Score   *ScoreResult
	Raw     string
	Err     error
	Usage   Usage
}

// OK reports whether the call produced a usable score.
func (r Result) OK() bool { return r.Outcome == OutcomeOK && r.Score != nil }

// Reason describes a non-OK result.
func (r Result) Reason() string {
	if r.OK() {
		return ""
	}
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
	}
	return string(r.Outcome)
}

// Ok wraps a validated score.
func Ok(s ScoreResult) Result { return Result{Outcome: OutcomeOK, Score: &s} }

// Malformed records an unusable response payload.
func Malformed(raw string, err error) Result {
	return Result{Outcome: OutcomeMalformed, Raw: raw, Err: err}
}

// Timeout records a call that ran past its deadline.
func Timeout(err error) Result { return Result{Outcome: OutcomeTimeout, Err: err} }

// Failed records a transport or service error.
func Failed(err error) Result { return Result{Outcome: OutcomeFailed, Err: err} }

// Canceled records a call that never ran because the batch was canceled.
func Canceled(err error) Result { return Result{Outcome: OutcomeCanceled, Err: err} }

// Classifier scores one lead. Implementations never return a Go error:
// every failure is expressed as a non-OK Result.
type Classifier interface {
	Classify(ctx context.Context, req Request) Result
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, req Request) Result

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, req Request) Result { return f(ctx, req) }
