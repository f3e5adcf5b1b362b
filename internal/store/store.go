package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"statpulse/internal/model"
)

// ErrNoCycle is returned when a survey has no cycle matching the query.
var ErrNoCycle = errors.New("store: no cycle found")

// Store is the single source of truth for series, cycles, per-cycle status,
// observations and the shared quota ledger. Implementations must make
// CommitBatch atomic: either both the observations and the status rows of a
// batch are durable, or neither is.
type Store interface {
	UpsertSeries(ctx context.Context, series []model.Series) error
	ListSeries(ctx context.Context, surveyCode string, onlyActive bool) ([]model.Series, error)

	CreateCycle(ctx context.Context, cycle model.UpdateCycle) error
	CurrentCycle(ctx context.Context, surveyCode string) (*model.UpdateCycle, error)
	SaveCycle(ctx context.Context, cycle model.UpdateCycle) error
	SupersedeCycles(ctx context.Context, surveyCode string) error

	// OutstandingSeries lists active series of the cycle's survey that are not
	// yet marked updated in this cycle, in stable series-id order.
	OutstandingSeries(ctx context.Context, surveyCode string, cycleID uuid.UUID) ([]string, error)

	CommitBatch(ctx context.Context, observations []model.Observation, statuses []model.SeriesStatus) error

	CountObservations(ctx context.Context, surveyCode string) (int, error)
	ListObservations(ctx context.Context, surveyCode, seriesID string) ([]model.Observation, error)

	// AddQuotaUsage atomically increments the day's used counter and returns
	// the resulting ledger. QuotaUsage reads without incrementing.
	AddQuotaUsage(ctx context.Context, date string, n, limit int) (model.QuotaLedger, error)
	QuotaUsage(ctx context.Context, date string, limit int) (model.QuotaLedger, error)

	Close() error
}
