package quota

import (
	"context"
	"time"

	"statpulse/internal/model"
)

const dateLayout = "2006-01-02"

// Ledger is the slice of the store the tracker needs. The increment must be
// atomic in the store so concurrent cycles for different surveys cannot
// over-spend the shared daily allowance.
type Ledger interface {
	AddQuotaUsage(ctx context.Context, date string, n, limit int) (model.QuotaLedger, error)
	QuotaUsage(ctx context.Context, date string, limit int) (model.QuotaLedger, error)
}

// Tracker counts upstream requests against the shared daily limit. Rollover is
// lazy: a new calendar day simply keys a fresh ledger row.
type Tracker struct {
	ledger Ledger
	limit  int
	now    func() time.Time
}

func New(ledger Ledger, limit int) *Tracker {
	return &Tracker{
		ledger: ledger,
		limit:  limit,
		now:    time.Now,
	}
}

// NewWithClock is used by tests to pin the day boundary.
func NewWithClock(ledger Ledger, limit int, now func() time.Time) *Tracker {
	tracker := New(ledger, limit)
	tracker.now = now
	return tracker
}

func (t *Tracker) today() string {
	return t.now().UTC().Format(dateLayout)
}

func (t *Tracker) Remaining(ctx context.Context) (int, error) {
	ledger, err := t.ledger.QuotaUsage(ctx, t.today(), t.limit)
	if err != nil {
		return 0, err
	}
	return ledger.Remaining(), nil
}

// Record adds n consumed requests to today's ledger and returns it.
func (t *Tracker) Record(ctx context.Context, n int) (model.QuotaLedger, error) {
	return t.ledger.AddQuotaUsage(ctx, t.today(), n, t.limit)
}

// Status returns today's ledger without incrementing.
func (t *Tracker) Status(ctx context.Context) (model.QuotaLedger, error) {
	return t.ledger.QuotaUsage(ctx, t.today(), t.limit)
}
