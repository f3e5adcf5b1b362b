package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statpulse/internal/model"
	"statpulse/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func floatPtr(v float64) *float64 { return &v }

func TestUpsertObservationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	obs := []model.Observation{{
		SurveyCode: "ce",
		SeriesID:   "CES0001",
		Year:       2025,
		Period:     "M06",
		Value:      floatPtr(151.2),
		Footnotes:  "P Preliminary",
	}}

	require.NoError(t, st.CommitBatch(ctx, obs, nil))
	require.NoError(t, st.CommitBatch(ctx, obs, nil))

	count, err := st.CountObservations(ctx, "ce")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A revised value for the same (series, period) overwrites in place.
	obs[0].Value = floatPtr(151.9)
	require.NoError(t, st.CommitBatch(ctx, obs, nil))

	got, err := st.ListObservations(ctx, "ce", "CES0001")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Value)
	assert.Equal(t, 151.9, *got[0].Value)
	assert.Equal(t, "P Preliminary", got[0].Footnotes)
}

func TestNullValueRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	obs := []model.Observation{{
		SurveyCode: "ce",
		SeriesID:   "CES0002",
		Year:       2024,
		Period:     "Q03",
		Value:      nil,
		Footnotes:  "D Suppressed",
	}}
	require.NoError(t, st.CommitBatch(ctx, obs, nil))

	got, err := st.ListObservations(ctx, "ce", "CES0002")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Value)
	assert.False(t, got[0].IngestedAt.IsZero())
}

func TestOutstandingSeriesExcludesUpdated(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	cycleID := uuid.New()

	require.NoError(t, st.UpsertSeries(ctx, []model.Series{
		{SurveyCode: "ce", SeriesID: "A", IsActive: true},
		{SurveyCode: "ce", SeriesID: "B", IsActive: true},
		{SurveyCode: "ce", SeriesID: "C", IsActive: true},
		{SurveyCode: "ce", SeriesID: "D", IsActive: false},
	}))

	// A is done, B was attempted without success, C untouched.
	require.NoError(t, st.CommitBatch(ctx, nil, []model.SeriesStatus{
		{CycleID: cycleID, SeriesID: "A", IsUpdated: true},
		{CycleID: cycleID, SeriesID: "B", IsUpdated: false},
	}))

	outstanding, err := st.OutstandingSeries(ctx, "ce", cycleID)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, outstanding)

	// A different cycle sees the full active universe.
	outstanding, err = st.OutstandingSeries(ctx, "ce", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, outstanding)
}

func TestCycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	cycle := model.UpdateCycle{
		ID:          uuid.New(),
		SurveyCode:  "ce",
		State:       model.CycleRunning,
		Force:       true,
		TotalSeries: 120,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.CreateCycle(ctx, cycle))

	got, err := st.CurrentCycle(ctx, "ce")
	require.NoError(t, err)
	assert.Equal(t, cycle.ID, got.ID)
	assert.Equal(t, model.CycleRunning, got.State)
	assert.True(t, got.Force)
	assert.Equal(t, 120, got.TotalSeries)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, cycle.CreatedAt.Equal(got.CreatedAt))

	done := time.Now().UTC()
	cycle.State = model.CycleCompleted
	cycle.SeriesUpdated = 120
	cycle.ObservationsWritten = 240
	cycle.RequestsUsed = 3
	cycle.CompletedAt = &done
	require.NoError(t, st.SaveCycle(ctx, cycle))

	got, err = st.CurrentCycle(ctx, "ce")
	require.NoError(t, err)
	assert.Equal(t, model.CycleCompleted, got.State)
	assert.Equal(t, 120, got.SeriesUpdated)
	assert.Equal(t, 240, got.ObservationsWritten)
	assert.Equal(t, 3, got.RequestsUsed)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
}

func TestCurrentCycleWithoutRows(t *testing.T) {
	st := newStore(t)
	_, err := st.CurrentCycle(context.Background(), "ce")
	assert.ErrorIs(t, err, store.ErrNoCycle)
}

func TestSaveCycleMissing(t *testing.T) {
	st := newStore(t)
	err := st.SaveCycle(context.Background(), model.UpdateCycle{ID: uuid.New()})
	assert.Error(t, err)
}

func TestSupersedeCyclesLeavesFinishedAlone(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	done := time.Now().UTC().Add(-time.Hour)
	finished := model.UpdateCycle{
		ID:          uuid.New(),
		SurveyCode:  "ce",
		State:       model.CycleCompleted,
		CreatedAt:   done.Add(-time.Hour),
		CompletedAt: &done,
	}
	require.NoError(t, st.CreateCycle(ctx, finished))

	running := model.UpdateCycle{
		ID:         uuid.New(),
		SurveyCode: "ce",
		State:      model.CycleRunning,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.CreateCycle(ctx, running))

	require.NoError(t, st.SupersedeCycles(ctx, "ce"))

	got, err := st.CurrentCycle(ctx, "ce")
	require.NoError(t, err)
	assert.Equal(t, running.ID, got.ID)
	assert.Equal(t, model.CycleHalted, got.State)
	assert.Equal(t, model.HaltReason("superseded"), got.HaltReason)
	assert.NotNil(t, got.CompletedAt)
}

func TestListSeriesOnlyActive(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.UpsertSeries(ctx, []model.Series{
		{SurveyCode: "ce", SeriesID: "A", Title: "All employees", IsActive: true},
		{SurveyCode: "ce", SeriesID: "B", IsActive: false},
	}))

	all, err := st.ListSeries(ctx, "ce", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := st.ListSeries(ctx, "ce", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "A", active[0].SeriesID)
	assert.Equal(t, "All employees", active[0].Title)
}

func TestQuotaLedgerAccumulates(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	ledger, err := st.QuotaUsage(ctx, "2026-08-31", 500)
	require.NoError(t, err)
	assert.Equal(t, 0, ledger.Used)
	assert.Equal(t, 500, ledger.Limit)

	ledger, err = st.AddQuotaUsage(ctx, "2026-08-31", 3, 500)
	require.NoError(t, err)
	assert.Equal(t, 3, ledger.Used)

	ledger, err = st.AddQuotaUsage(ctx, "2026-08-31", 2, 500)
	require.NoError(t, err)
	assert.Equal(t, 5, ledger.Used)
	assert.Equal(t, 495, ledger.Remaining())

	// Reads never increment.
	ledger, err = st.QuotaUsage(ctx, "2026-08-31", 500)
	require.NoError(t, err)
	assert.Equal(t, 5, ledger.Used)

	// A new date keys a fresh row.
	ledger, err = st.QuotaUsage(ctx, "2026-09-01", 500)
	require.NoError(t, err)
	assert.Equal(t, 0, ledger.Used)
}
