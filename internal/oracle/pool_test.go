package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/permit-leads/internal/resilience"
)

func requests(n int) []Request {
	out := make([]Request, n)
	for i := range out {
		out[i] = Request{Address: fmt.Sprintf("%d MAIN ST", i+1), DaysOld: i}
	}
	return out
}

func TestPool_ResultsAlignedWithRequests(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := NewPool(ClassifierFunc(func(_ context.Context, req Request) Result {
		return Ok(ScoreResult{Score: req.DaysOld})
	}))

	results := p.ClassifyAll(context.Background(), requests(20))
	require.Len(t, results, 20)
	for i, res := range results {
		require.True(t, res.OK())
		assert.Equal(t, i, res.Score.Score)
	}
}

func TestPool_RespectsConcurrencyLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	var inflight, peak atomic.Int32
	p := &Pool{
		Concurrency: 3,
		Classifier: ClassifierFunc(func(_ context.Context, _ Request) Result {
			n := inflight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inflight.Add(-1)
			return Ok(ScoreResult{Score: 1})
		}),
	}

	p.ClassifyAll(context.Background(), requests(15))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestPool_PerCallTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &Pool{
		CallTimeout: 10 * time.Millisecond,
		Classifier: ClassifierFunc(func(ctx context.Context, req Request) Result {
			if req.DaysOld == 1 {
				<-ctx.Done()
				return fromError(ctx, ctx.Err())
			}
			return Ok(ScoreResult{Score: 50})
		}),
	}

	results := p.ClassifyAll(context.Background(), requests(3))
	assert.True(t, results[0].OK())
	assert.Equal(t, OutcomeTimeout, results[1].Outcome)
	assert.True(t, results[2].OK())
}

func TestPool_LateFailureAfterDeadlineIsTimeout(t *testing.T) {
	p := &Pool{
		CallTimeout: 5 * time.Millisecond,
		Classifier: ClassifierFunc(func(ctx context.Context, _ Request) Result {
			<-ctx.Done()
			return Failed(errors.New("transport closed"))
		}),
	}
	results := p.ClassifyAll(context.Background(), requests(1))
	assert.Equal(t, OutcomeTimeout, results[0].Outcome)
}

func TestPool_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := NewPool(ClassifierFunc(func(_ context.Context, req Request) Result {
		if req.DaysOld == 0 {
			panic("nil map")
		}
		return Ok(ScoreResult{Score: 10})
	}))

	results := p.ClassifyAll(context.Background(), requests(2))
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Contains(t, results[0].Err.Error(), "nil map")
	assert.True(t, results[1].OK())
}

func TestPool_CancellationMarksUnstartedCalls(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	p := &Pool{
		Concurrency: 1,
		Classifier: ClassifierFunc(func(_ context.Context, _ Request) Result {
			if calls.Add(1) == 2 {
				cancel()
			}
			return Ok(ScoreResult{Score: 70})
		}),
	}

	results := p.ClassifyAll(ctx, requests(6))
	require.Len(t, results, 6)
	assert.True(t, results[0].OK())
	assert.True(t, results[1].OK())

	canceled := 0
	for _, res := range results[2:] {
		if res.Outcome == OutcomeCanceled {
			canceled++
		}
	}
	assert.Equal(t, 4, canceled)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPool_Observer(t *testing.T) {
	var mu sync.Mutex
	seen := map[Outcome]int{}
	p := NewPool(ClassifierFunc(func(_ context.Context, req Request) Result {
		if req.DaysOld%2 == 0 {
			return Ok(ScoreResult{Score: 1})
		}
		return Malformed("x", errors.New("bad"))
	}))
	p.Observe = func(_ Request, res Result, elapsed time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		seen[res.Outcome]++
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	}

	p.ClassifyAll(context.Background(), requests(4))
	assert.Equal(t, 2, seen[OutcomeOK])
	assert.Equal(t, 2, seen[OutcomeMalformed])
}

func TestPool_Empty(t *testing.T) {
	assert.Empty(t, NewPool(nil).ClassifyAll(context.Background(), nil))
}

func TestCached(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	inner := ClassifierFunc(func(_ context.Context, req Request) Result {
		calls.Add(1)
		if req.Address == "bad" {
			return Failed(errors.New("down"))
		}
		return Ok(ScoreResult{Score: 66, Flags: []string{"storm"}})
	})
	c := NewCached(inner, time.Minute, 0)
	ctx := context.Background()

	first := c.Classify(ctx, Request{Address: "1 A ST"})
	second := c.Classify(ctx, Request{Address: "1 A ST"})
	require.True(t, second.OK())
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, int32(1), calls.Load())

	second.Score.Flags[0] = "mutated"
	third := c.Classify(ctx, Request{Address: "1 A ST"})
	assert.Equal(t, "storm", third.Score.Flags[0])

	c.Classify(ctx, Request{Address: "bad"})
	c.Classify(ctx, Request{Address: "bad"})
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, c.Len())

	c.Classify(ctx, Request{Address: "1 A ST", DaysOld: 4})
	assert.Equal(t, int32(4), calls.Load())
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	inner := ClassifierFunc(func(_ context.Context, _ Request) Result {
		calls.Add(1)
		return Failed(errors.New("503"))
	})
	b := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	g := NewGuarded(inner, b)
	ctx := context.Background()

	g.Classify(ctx, Request{})
	g.Classify(ctx, Request{})
	assert.Equal(t, resilience.BreakerOpen, b.State())

	res := g.Classify(ctx, Request{})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, resilience.ErrBreakerOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGuarded_MalformedDoesNotTrip(t *testing.T) {
	inner := ClassifierFunc(func(_ context.Context, _ Request) Result {
		return Malformed("{}", errors.New("score missing"))
	})
	b := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 1})
	g := NewGuarded(inner, b)

	for range 3 {
		assert.Equal(t, OutcomeMalformed, g.Classify(context.Background(), Request{}).Outcome)
	}
	assert.Equal(t, resilience.BreakerClosed, b.State())
}
