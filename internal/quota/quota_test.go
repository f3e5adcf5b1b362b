package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statpulse/internal/model"
)

type memoryLedger struct {
	rows map[string]model.QuotaLedger
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{rows: make(map[string]model.QuotaLedger)}
}

func (m *memoryLedger) AddQuotaUsage(_ context.Context, date string, n, limit int) (model.QuotaLedger, error) {
	row, ok := m.rows[date]
	if !ok {
		row = model.QuotaLedger{Date: date}
	}
	row.Used += n
	row.Limit = limit
	m.rows[date] = row
	return row, nil
}

func (m *memoryLedger) QuotaUsage(_ context.Context, date string, limit int) (model.QuotaLedger, error) {
	row, ok := m.rows[date]
	if !ok {
		return model.QuotaLedger{Date: date, Limit: limit}, nil
	}
	return row, nil
}

func TestRemainingDecreasesWithUsage(t *testing.T) {
	ctx := context.Background()
	tracker := New(newMemoryLedger(), 500)

	remaining, err := tracker.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500, remaining)

	_, err = tracker.Record(ctx, 3)
	require.NoError(t, err)

	remaining, err = tracker.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 497, remaining)
}

func TestRemainingNeverNegative(t *testing.T) {
	ctx := context.Background()
	tracker := New(newMemoryLedger(), 2)

	_, err := tracker.Record(ctx, 5)
	require.NoError(t, err)

	remaining, err := tracker.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestRolloverKeysFreshDay(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	tracker := NewWithClock(newMemoryLedger(), 10, func() time.Time { return now })

	_, err := tracker.Record(ctx, 10)
	require.NoError(t, err)

	remaining, err := tracker.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	// Two hours later it is a new UTC day and the allowance is back.
	now = now.Add(2 * time.Hour)
	remaining, err = tracker.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)

	ledger, err := tracker.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-09-01", ledger.Date)
	assert.Equal(t, 0, ledger.Used)
}
