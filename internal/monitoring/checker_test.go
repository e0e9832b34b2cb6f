package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/permit-leads/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
		RetryRateThreshold:  0.10,
	}
	checker := NewChecker(NewCollector(&mockStore{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStore{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_Check(t *testing.T) {
	st := &mockStore{}
	st.counts.Exhausted = 2
	checker := NewChecker(NewCollector(st), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{LookbackWindowHours: 24})

	// No webhook configured: alerts are evaluated but nothing is sent.
	snap := checker.check(context.Background(), zapNop())
	assert.Equal(t, 1, st.lists)
	assert.Equal(t, 2, snap.RetryExhausted)
}

type recordingGauge struct{ pending, due, exhausted int }

func (g *recordingGauge) SetRetryQueue(pending, due, exhausted int) {
	g.pending, g.due, g.exhausted = pending, due, exhausted
}

func TestChecker_SendsEachBreachOnce(t *testing.T) {
	var posts atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	st := &mockStore{}
	st.counts.Exhausted = 1
	cfg := config.MonitoringConfig{WebhookURL: hook.URL, LookbackWindowHours: 24}
	gauge := &recordingGauge{}
	checker := NewChecker(NewCollector(st), NewAlerter(cfg), cfg).WithQueueGauge(gauge)

	checker.check(context.Background(), zapNop())
	assert.Equal(t, int32(1), posts.Load())
	assert.Equal(t, 1, gauge.exhausted)

	// Still breached: not resent.
	checker.check(context.Background(), zapNop())
	assert.Equal(t, int32(1), posts.Load())

	// Cleared, then breached again.
	st.counts.Exhausted = 0
	checker.check(context.Background(), zapNop())
	assert.Equal(t, 0, gauge.exhausted)
	st.counts.Exhausted = 3
	checker.check(context.Background(), zapNop())
	assert.Equal(t, int32(2), posts.Load())
}

func TestChecker_NextDelay(t *testing.T) {
	checker := NewChecker(nil, nil, config.MonitoringConfig{CheckIntervalSecs: 600})
	assert.Equal(t, 10*time.Minute, checker.Interval())
	assert.Equal(t, 10*time.Minute, checker.nextDelay(nil))
	assert.Equal(t, 10*time.Minute, checker.nextDelay(&MetricsSnapshot{RetryPending: 4}))
	assert.Equal(t, 150*time.Second, checker.nextDelay(&MetricsSnapshot{RetryDue: 4}))

	checker = NewChecker(nil, nil, config.MonitoringConfig{CheckIntervalSecs: 60})
	assert.Equal(t, 30*time.Second, checker.nextDelay(&MetricsSnapshot{RetryDue: 1}))

	checker = NewChecker(nil, nil, config.MonitoringConfig{})
	assert.Equal(t, defaultCheckInterval, checker.Interval())
}
