package oracle

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool defaults.
const (
	DefaultConcurrency = 5
	DefaultCallTimeout = 30 * time.Second
)

// Observer is notified after each call completes.
type Observer func(req Request, res Result, elapsed time.Duration)

// Pool fans classification calls out over a bounded number of workers.
type Pool struct {
	Classifier  Classifier
	Concurrency int
	CallTimeout time.Duration
	Observe     Observer
}

// NewPool returns a pool with default limits.
func NewPool(c Classifier) *Pool {
	return &Pool{Classifier: c, Concurrency: DefaultConcurrency, CallTimeout: DefaultCallTimeout}
}

// ClassifyAll classifies every request and returns results aligned with
// reqs. It never fails as a whole: a call that errors, times out or
// panics yields a non-OK Result in its slot, and calls not yet started
// when ctx ends yield Canceled.
func (p *Pool) ClassifyAll(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	limit := p.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	timeout := p.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	log := zap.L().With(zap.String("component", "oracle.pool"))

	var g errgroup.Group
	g.SetLimit(limit)

	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			results[i] = Canceled(err)
			continue
		}
		g.Go(func() error {
			res := p.call(ctx, req, timeout)
			if res.Outcome != OutcomeOK {
				log.Debug("classification not ok",
					zap.String("address", req.Address),
					zap.String("outcome", string(res.Outcome)),
					zap.String("reason", res.Reason()),
				)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pool) call(ctx context.Context, req Request, timeout time.Duration) (res Result) {
	if err := ctx.Err(); err != nil {
		return Canceled(err)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("oracle: classifier panicked",
				zap.String("address", req.Address),
				zap.Any("panic", r),
			)
			res = Failed(eris.Errorf("oracle: classifier panic: %v", r))
		}
		if p.Observe != nil {
			p.Observe(req, res, time.Since(start))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res = p.Classifier.Classify(callCtx, req)
	// A backend that ignores the deadline can still report success late;
	// anything else after expiry is a timeout.
	if !res.OK() && res.Outcome != OutcomeTimeout && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		res = Timeout(callCtx.Err())
	}
	return res
}
