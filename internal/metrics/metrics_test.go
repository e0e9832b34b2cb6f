package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/permit-leads/internal/model"
)

func TestObserveOracle(t *testing.T) {
	m := New()
	m.ObserveOracle("ok", 200*time.Millisecond)
	m.ObserveOracle("ok", 300*time.Millisecond)
	m.ObserveOracle("timeout", 30*time.Second)

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.OracleCalls.WithLabelValues("ok")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.OracleCalls.WithLabelValues("timeout")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.OracleDuration))
}

func TestRecordRun(t *testing.T) {
	m := New()
	s := model.NewRunStats()
	s.TotalInput = 10
	s.RejectReasons["missing_address"] = 2
	s.DiscardReasons["demo_only"] = 3
	s.Exported = 4
	s.OracleCostUSD = 0.25

	m.RecordRun(model.RunStatusComplete, s)
	m.RecordRun(model.RunStatusPartial, s)

	assert.InDelta(t, 20.0, testutil.ToFloat64(m.InputTotal), 0)
	assert.InDelta(t, 4.0, testutil.ToFloat64(m.RejectsTotal.WithLabelValues("missing_address")), 0)
	assert.InDelta(t, 6.0, testutil.ToFloat64(m.DiscardsTotal.WithLabelValues("demo_only")), 0)
	assert.InDelta(t, 8.0, testutil.ToFloat64(m.ExportedTotal), 0)
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.OracleCostUSD), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("complete")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("partial")), 0)
}

func TestObserveLead(t *testing.T) {
	m := New()
	m.ObserveLead(model.ScoredLead{Tier: model.TierA, ScoringMethod: model.MethodAI})
	m.ObserveLead(model.ScoredLead{Tier: model.TierD, ScoringMethod: model.MethodRule})
	m.ObserveLead(model.ScoredLead{Tier: model.TierA, ScoringMethod: model.MethodAI})

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.TierTotal.WithLabelValues("A", "AI")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.TierTotal.WithLabelValues("D", "RULE")), 0)
}

func TestSetRetryQueue(t *testing.T) {
	m := New()
	m.SetRetryQueue(5, 2, 1)
	m.SetRetryQueue(4, 0, 1)

	assert.InDelta(t, 4.0, testutil.ToFloat64(m.RetryQueue.WithLabelValues("pending")), 0)
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.RetryQueue.WithLabelValues("due")), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.RetryQueue.WithLabelValues("exhausted")), 0)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveOracle("ok", time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `permit_leads_oracle_calls_total{outcome="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
