package oracle

import (
	"context"

	"github.com/sells-group/permit-leads/internal/resilience"
)

// Guarded short-circuits calls while the breaker is open. Transport
// failures and timeouts count against the breaker; malformed responses do
// not, because the endpoint is up.
type Guarded struct {
	next    Classifier
	breaker *resilience.Breaker
}

// NewGuarded wraps next with breaker.
func NewGuarded(next Classifier, breaker *resilience.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Classify implements Classifier.
func (g *Guarded) Classify(ctx context.Context, req Request) Result {
	if err := g.breaker.Allow(); err != nil {
		return Failed(err)
	}
	res := g.next.Classify(ctx, req)
	switch res.Outcome {
	case OutcomeFailed, OutcomeTimeout:
		g.breaker.Record(true)
	default:
		g.breaker.Record(false)
	}
	return res
}
