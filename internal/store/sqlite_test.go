package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/permit-leads/internal/model"
	"github.com/sells-group/permit-leads/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testLead(permitID, addr string) model.MergedLead {
	issued := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	return model.MergedLead{
		PermitRecord: model.PermitRecord{
			PermitID:        permitID,
			SourceCity:      "AUSTIN",
			SourceKind:      model.SourcePortal,
			PropertyAddress: addr,
			OwnerName:       "JANE DOE",
			IssuedDate:      &issued,
		},
		Key:     model.MergeKey{Address: addr, SourceCity: "AUSTIN"},
		DaysOld: 5,
	}
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "austin.csv")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "austin.csv", got.Source)
	assert.Nil(t, got.Stats)
	assert.Nil(t, got.CompletedAt)

	stats := model.NewRunStats()
	stats.TotalInput = 4
	stats.Discarded = 1
	stats.DiscardReasons["commercial_entity"] = 1
	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunStatusComplete, &stats, ""))

	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	require.NotNil(t, got.Stats)
	assert.Equal(t, 4, got.Stats.TotalInput)
	assert.Equal(t, 1, got.Stats.DiscardReasons["commercial_entity"])
	require.NotNil(t, got.CompletedAt)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.FinishRun(context.Background(), "missing", model.RunStatusFailed, nil, "boom")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.CreateRun(ctx, "a.csv")
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, "b.csv")
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, a.ID, model.RunStatusPartial, nil, "canceled"))

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	partial, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusPartial})
	require.NoError(t, err)
	require.Len(t, partial, 1)
	assert.Equal(t, a.ID, partial[0].ID)
	assert.Equal(t, "canceled", partial[0].Error)

	bySource, err := st.ListRuns(ctx, RunFilter{Source: "b.csv"})
	require.NoError(t, err)
	assert.Len(t, bySource, 1)

	limited, err := st.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Audit ---

func TestSQLite_Audit_AppendAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entries := []model.AuditEntry{
		{RunID: "r1", PermitID: "BP-1", SourceCity: "AUSTIN", Address: "1 MAIN ST", Decision: model.DecisionDiscarded, Reason: "commercial_entity"},
		{RunID: "r1", PermitID: "BP-2", SourceCity: "AUSTIN", Address: "2 MAIN ST", Decision: model.DecisionScored, Tier: model.TierD, Flags: []string{"ai_confirmed_garbage"}, ScoringMethod: model.MethodAI},
		{RunID: "r2", PermitID: "BP-3", SourceCity: "DALLAS", Address: "3 ELM ST", Decision: model.DecisionRetry, Tier: model.TierRetry},
	}
	require.NoError(t, st.AppendAudit(ctx, entries))
	require.NoError(t, st.AppendAudit(ctx, nil))

	r1, err := st.ListAudit(ctx, AuditFilter{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, r1, 2)
	assert.Equal(t, "BP-1", r1[0].PermitID)
	assert.Equal(t, []string{}, r1[0].Flags)
	assert.Equal(t, []string{"ai_confirmed_garbage"}, r1[1].Flags)
	assert.Equal(t, model.TierD, r1[1].Tier)
	assert.False(t, r1[1].CreatedAt.IsZero())

	retries, err := st.ListAudit(ctx, AuditFilter{Decision: model.DecisionRetry})
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, "r2", retries[0].RunID)

	byPermit, err := st.ListAudit(ctx, AuditFilter{PermitID: "BP-2"})
	require.NoError(t, err)
	assert.Len(t, byPermit, 1)
}

func TestSQLite_Audit_AppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.AppendAudit(ctx, []model.AuditEntry{
		{RunID: "r1", PermitID: "BP-1", SourceCity: "AUSTIN", Address: "1 MAIN ST", Decision: model.DecisionScored},
	}))

	_, err := st.db.ExecContext(ctx, `UPDATE audit_log SET reason = 'tampered'`)
	assert.ErrorContains(t, err, "append-only")

	_, err = st.db.ExecContext(ctx, `DELETE FROM audit_log`)
	assert.ErrorContains(t, err, "append-only")

	got, err := st.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Reason)
}

// --- Retry queue ---

func TestSQLite_Retry_EnqueueAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	policy := resilience.DefaultRetryPolicy()

	due := policy.NewEntry("r1", testLead("BP-1", "1 MAIN ST"), "timeout", nil, now.Add(-2*time.Hour))
	later := policy.NewEntry("r1", testLead("BP-2", "2 MAIN ST"), "failed", nil, now)
	require.NoError(t, st.EnqueueRetries(ctx, []resilience.RetryEntry{due, later}))

	pending, err := st.ListRetries(ctx, resilience.RetryFilter{})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	ready, err := st.ListRetries(ctx, resilience.RetryFilter{DueBefore: now})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, due.ID, ready[0].ID)
	assert.Equal(t, "BP-1", ready[0].Lead.PermitID)
	require.NotNil(t, ready[0].Lead.IssuedDate)
	assert.Equal(t, 5, ready[0].MaxRetries)

	counts, err := st.CountRetries(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, RetryCounts{Pending: 2, Due: 1, Exhausted: 0}, counts)
}

func TestSQLite_Retry_EnqueueSameKeyKeepsSchedule(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	policy := resilience.DefaultRetryPolicy()

	first := policy.NewEntry("r1", testLead("BP-1", "1 MAIN ST"), "timeout", nil, now)
	require.NoError(t, st.EnqueueRetries(ctx, []resilience.RetryEntry{first}))
	require.NoError(t, st.IncrementRetry(ctx, first.ID, now.Add(2*time.Hour), "timeout", "transient"))

	again := policy.NewEntry("r2", testLead("BP-1", "1 MAIN ST"), "failed", nil, now)
	require.NoError(t, st.EnqueueRetries(ctx, []resilience.RetryEntry{again}))

	all, err := st.ListRetries(ctx, resilience.RetryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, "r2", all[0].RunID)
	assert.Equal(t, "failed", all[0].Outcome)
	assert.Equal(t, 1, all[0].RetryCount)
}

func TestSQLite_Retry_ExhaustedStaysQueued(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := resilience.RetryPolicy{MaxRetries: 1, Backoff: resilience.Backoff{Initial: time.Hour}}.
		NewEntry("r1", testLead("BP-1", "1 MAIN ST"), "failed", nil, now.Add(-2*time.Hour))
	require.NoError(t, st.EnqueueRetries(ctx, []resilience.RetryEntry{e}))
	require.NoError(t, st.IncrementRetry(ctx, e.ID, now.Add(time.Hour), "still failing", "transient"))

	pending, err := st.ListRetries(ctx, resilience.RetryFilter{DueBefore: now.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, pending)

	exhausted, err := st.ListRetries(ctx, resilience.RetryFilter{Exhausted: true})
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "still failing", exhausted[0].Error)
	assert.True(t, exhausted[0].Exhausted())

	counts, err := st.CountRetries(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Exhausted)
	assert.Zero(t, counts.Pending)
}

func TestSQLite_Retry_IncrementNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.IncrementRetry(context.Background(), "missing", time.Now(), "x", "transient")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Retry_Remove(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	e := resilience.DefaultRetryPolicy().NewEntry("r1", testLead("BP-1", "1 MAIN ST"), "timeout", nil, time.Now())
	require.NoError(t, st.EnqueueRetries(ctx, []resilience.RetryEntry{e}))
	require.NoError(t, st.RemoveRetry(ctx, e.ID))

	all, err := st.ListRetries(ctx, resilience.RetryFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}
