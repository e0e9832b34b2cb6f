// Package export writes exportable lead buckets to their destinations.
package export

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/permit-leads/internal/aggregate"
)

// Sink receives the buckets of one run. Sinks never see tier D or RETRY
// leads because aggregate.Buckets excludes them.
type Sink interface {
	Name() string
	Write(ctx context.Context, runID string, buckets []aggregate.Bucket) (int, error)
}

// Result is the outcome of one sink.
type Result struct {
	Sink    string `json:"sink"`
	Written int    `json:"written"`
	Error   string `json:"error,omitempty"`
}

// WriteAll runs each sink in order. A failing sink does not stop the
// rest; the first error is returned alongside every result.
func WriteAll(ctx context.Context, sinks []Sink, runID string, buckets []aggregate.Bucket) ([]Result, error) {
	log := zap.L().With(zap.String("component", "export"), zap.String("run_id", runID))

	results := make([]Result, 0, len(sinks))
	var firstErr error
	for _, s := range sinks {
		n, err := s.Write(ctx, runID, buckets)
		res := Result{Sink: s.Name(), Written: n}
		if err != nil {
			res.Error = err.Error()
			log.Error("export: sink failed", zap.String("sink", s.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = eris.Wrapf(err, "export: %s", s.Name())
			}
		} else {
			log.Info("export: sink complete", zap.String("sink", s.Name()), zap.Int("written", n))
		}
		results = append(results, res)
	}
	return results, firstErr
}
