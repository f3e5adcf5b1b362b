package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"statpulse/internal/config"
	"statpulse/internal/metrics"
	"statpulse/internal/model"
	"statpulse/internal/partition"
	"statpulse/internal/providers"
	"statpulse/internal/quota"
	"statpulse/internal/store"
)

var (
	ErrUnknownSurvey = errors.New("engine: unknown survey")
	ErrCycleRunning  = errors.New("engine: cycle already running for survey")
)

const (
	reasonTransport   = "transport"
	reasonMalformed   = "malformed"
	reasonPersistence = "persistence"
)

// FreshnessFunc decides whether a series counts as brought current after a
// successful batch fetch. Survey adapters supply their own; the default marks
// every successfully fetched series updated.
type FreshnessFunc func(seriesID string, rows []model.Observation) bool

func defaultFreshness(string, []model.Observation) bool { return true }

// StartRequest begins or resumes an update cycle for one survey.
type StartRequest struct {
	SurveyCode  string
	Category    string
	Force       bool
	MaxRequests int
	SeedSeries  bool

	// APIKey, when set, is a caller-supplied credential: it overrides the
	// configured key and bypasses the shared quota ledger entirely.
	APIKey    string
	UserAgent string

	Freshness FreshnessFunc
}

// Engine drives the batch loop: partition, fetch, commit, classify, repeat.
type Engine struct {
	store     store.Store
	providers map[string]providers.Provider
	quota     *quota.Tracker
	cfg       config.Config
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

func New(st store.Store, provs map[string]providers.Provider, tracker *quota.Tracker, cfg config.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:     st,
		providers: provs,
		quota:     tracker,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		running:   make(map[string]bool),
	}
}

// Status reports the survey's current cycle, or store.ErrNoCycle.
func (e *Engine) Status(ctx context.Context, surveyCode string) (*model.UpdateCycle, error) {
	if _, ok := e.cfg.Surveys[surveyCode]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSurvey, surveyCode)
	}
	return e.store.CurrentCycle(ctx, surveyCode)
}

// Run executes one bounded invocation of the update loop. Per-batch failures
// never abort the run; only quota exhaustion, the request budget and
// cancellation stop it early, and each leaves a resumable persisted state. The
// returned summary is valid even when err is non-nil.
func (e *Engine) Run(ctx context.Context, req StartRequest) (model.RunSummary, error) {
	surveyCode := strings.TrimSpace(req.SurveyCode)
	survey, ok := e.cfg.Surveys[surveyCode]
	if !ok {
		return model.RunSummary{}, fmt.Errorf("%w: %s", ErrUnknownSurvey, surveyCode)
	}
	provider, ok := e.providers[survey.Provider]
	if !ok {
		return model.RunSummary{}, fmt.Errorf("engine: no provider %q for survey %s", survey.Provider, surveyCode)
	}
	filter, err := survey.SeriesFilter(req.Category)
	if err != nil {
		return model.RunSummary{}, err
	}
	if req.Freshness == nil {
		req.Freshness = defaultFreshness
	}

	if err := e.acquire(surveyCode); err != nil {
		return model.RunSummary{}, err
	}
	defer e.release(surveyCode)

	log := e.log.With(zap.String("survey", surveyCode))

	if req.SeedSeries {
		if err := e.seedSeries(ctx, provider, surveyCode, req); err != nil {
			return model.RunSummary{}, err
		}
	}

	cycle, err := e.openCycle(ctx, surveyCode, req.Force)
	if err != nil {
		return model.RunSummary{}, err
	}
	log = log.With(zap.String("cycle_id", cycle.ID.String()))

	batchSize := survey.BatchSize
	if max := provider.MaxBatchSize(); batchSize > max {
		batchSize = max
	}

	part := partition.New(e.store, surveyCode, cycle.ID, batchSize, filter)
	outstanding, err := part.Load(ctx)
	if err != nil {
		return model.RunSummary{}, err
	}
	log.Info("cycle started",
		zap.Int("outstanding_series", outstanding),
		zap.Int("batch_size", batchSize),
		zap.Bool("force", req.Force),
	)

	summary := model.RunSummary{
		SurveyCode:  surveyCode,
		CycleID:     cycle.ID,
		SeriesTotal: cycle.TotalSeries,
	}

	if outstanding == 0 {
		e.finishCycle(context.WithoutCancel(ctx), cycle, model.CycleCompleted, model.HaltNone, "")
		summary.State = model.CycleCompleted
		summary.SeriesUpdated = cycle.SeriesUpdated
		summary.ObservationsWritten = cycle.ObservationsWritten
		summary.RequestsUsed = cycle.RequestsUsed
		return summary, nil
	}

	endYear := e.now().UTC().Year()
	startYear := endYear - survey.LookbackYears
	bypassQuota := strings.TrimSpace(req.APIKey) != ""

	// Store writes run on a detached context so a cancellation between
	// fetch and commit never leaves a half-committed batch.
	commitCtx := context.WithoutCancel(ctx)

	requestsThisRun := 0
	batchIndex := 0
	state := model.CycleRunning
	haltReason := model.HaltNone

loop:
	for {
		// Cancellation is observed only between batches so an in-flight
		// batch always finishes its commit.
		if ctx.Err() != nil {
			state = model.CycleInterrupted
			haltReason = model.HaltInterrupt
			break
		}

		batch, more := part.Next()
		if !more {
			state = model.CycleCompleted
			break
		}
		batchIndex++

		if req.MaxRequests > 0 && requestsThisRun >= req.MaxRequests {
			state = model.CycleHalted
			haltReason = model.HaltBudget
			break
		}

		if !bypassQuota {
			remaining, err := e.quota.Remaining(ctx)
			if err != nil {
				return summary, err
			}
			metrics.QuotaRemaining.Set(float64(remaining))
			if remaining < 1 {
				state = model.CycleHalted
				haltReason = model.HaltQuota
				break
			}
		}

		rows, err := provider.FetchBatch(ctx, providers.BatchRequest{
			SurveyCode: surveyCode,
			SeriesIDs:  batch,
			StartYear:  startYear,
			EndYear:    endYear,
			APIKey:     req.APIKey,
			UserAgent:  req.UserAgent,
		})
		if err != nil {
			switch {
			case errors.Is(err, providers.ErrQuotaExceeded):
				metrics.RecordFetch(provider.Name(), "quota")
				cycle.LastError = err.Error()
				state = model.CycleHalted
				haltReason = model.HaltQuota
				log.Warn("upstream quota exhausted", zap.Error(err))
				break loop
			case ctx.Err() != nil:
				// The fetch was aborted by cancellation, not by upstream.
				state = model.CycleInterrupted
				haltReason = model.HaltInterrupt
				break loop
			case errors.Is(err, providers.ErrMalformedResponse):
				metrics.RecordFetch(provider.Name(), "malformed")
				e.recordFailure(&summary, batchIndex, reasonMalformed, err)
				metrics.RecordBatch(surveyCode, reasonMalformed)
				log.Warn("malformed response, skipping batch", zap.Int("batch", batchIndex), zap.Error(err))
				continue
			default:
				metrics.RecordFetch(provider.Name(), "transport")
				e.recordFailure(&summary, batchIndex, reasonTransport, err)
				metrics.RecordBatch(surveyCode, reasonTransport)
				log.Warn("fetch failed, skipping batch", zap.Int("batch", batchIndex), zap.Error(err))
				continue
			}
		}
		metrics.RecordFetch(provider.Name(), "ok")
		requestsThisRun++
		cycle.RequestsUsed++
		if !bypassQuota {
			if _, err := e.quota.Record(commitCtx, 1); err != nil {
				return summary, err
			}
		}

		statuses, updated := buildStatuses(cycle.ID, batch, rows, req.Freshness, e.now().UTC())
		if err := e.store.CommitBatch(commitCtx, rows, statuses); err != nil {
			e.recordFailure(&summary, batchIndex, reasonPersistence, err)
			metrics.RecordBatch(surveyCode, reasonPersistence)
			log.Warn("batch commit failed, rolled back", zap.Int("batch", batchIndex), zap.Error(err))
			continue
		}

		cycle.SeriesUpdated += updated
		cycle.ObservationsWritten += len(rows)
		summary.ObservationsWritten += len(rows)
		metrics.RecordBatch(surveyCode, "ok")
		metrics.AddObservations(surveyCode, len(rows))

		if err := e.store.SaveCycle(commitCtx, *cycle); err != nil {
			return summary, err
		}
		log.Debug("batch committed",
			zap.Int("batch", batchIndex),
			zap.Int("series", len(batch)),
			zap.Int("observations", len(rows)),
		)
	}

	e.finishCycle(commitCtx, cycle, state, haltReason, cycle.LastError)
	metrics.CyclesTotal.WithLabelValues(surveyCode, string(state)).Inc()

	summary.State = state
	summary.HaltReason = haltReason
	summary.SeriesTotal = cycle.TotalSeries
	summary.SeriesUpdated = cycle.SeriesUpdated
	summary.ObservationsWritten = cycle.ObservationsWritten
	summary.RequestsUsed = cycle.RequestsUsed

	log.Info("cycle run finished",
		zap.String("state", string(state)),
		zap.String("halt_reason", string(haltReason)),
		zap.Int("series_updated", summary.SeriesUpdated),
		zap.Int("observations_written", summary.ObservationsWritten),
		zap.Int("requests_used", summary.RequestsUsed),
		zap.Int("failed_batches", len(summary.FailedBatches)),
	)
	return summary, nil
}

func (e *Engine) acquire(surveyCode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[surveyCode] {
		return fmt.Errorf("%w: %s", ErrCycleRunning, surveyCode)
	}
	e.running[surveyCode] = true
	return nil
}

func (e *Engine) release(surveyCode string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, surveyCode)
}

func (e *Engine) seedSeries(ctx context.Context, provider providers.Provider, surveyCode string, req StartRequest) error {
	series, err := provider.ListSeries(ctx, surveyCode)
	if err != nil {
		return fmt.Errorf("engine: listing series: %w", err)
	}
	if err := e.store.UpsertSeries(ctx, series); err != nil {
		return fmt.Errorf("engine: seeding series: %w", err)
	}
	e.log.Info("series universe seeded",
		zap.String("survey", surveyCode),
		zap.Int("series", len(series)),
	)
	return nil
}

// openCycle resumes the survey's current cycle unless the caller forced a
// fresh one. Resuming a completed cycle is a no-op run: its outstanding set is
// empty, which is what makes non-forced re-runs idempotent.
func (e *Engine) openCycle(ctx context.Context, surveyCode string, force bool) (*model.UpdateCycle, error) {
	current, err := e.store.CurrentCycle(ctx, surveyCode)
	if err != nil && !errors.Is(err, store.ErrNoCycle) {
		return nil, err
	}

	if current != nil && !force {
		current.State = model.CycleRunning
		current.HaltReason = model.HaltNone
		current.CompletedAt = nil
		if err := e.store.SaveCycle(ctx, *current); err != nil {
			return nil, err
		}
		return current, nil
	}

	if err := e.store.SupersedeCycles(ctx, surveyCode); err != nil {
		return nil, err
	}

	active, err := e.store.ListSeries(ctx, surveyCode, true)
	if err != nil {
		return nil, err
	}

	cycle := model.UpdateCycle{
		ID:          uuid.New(),
		SurveyCode:  surveyCode,
		State:       model.CycleRunning,
		Force:       force,
		TotalSeries: len(active),
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.CreateCycle(ctx, cycle); err != nil {
		return nil, err
	}
	return &cycle, nil
}

func (e *Engine) finishCycle(ctx context.Context, cycle *model.UpdateCycle, state model.CycleState, reason model.HaltReason, lastError string) {
	cycle.State = state
	cycle.HaltReason = reason
	cycle.LastError = lastError
	if state == model.CycleCompleted {
		done := e.now().UTC()
		cycle.CompletedAt = &done
	}
	if err := e.store.SaveCycle(ctx, *cycle); err != nil {
		e.log.Error("failed to persist cycle state",
			zap.String("cycle_id", cycle.ID.String()),
			zap.Error(err),
		)
	}
}

func (e *Engine) recordFailure(summary *model.RunSummary, index int, reason string, err error) {
	summary.FailedBatches = append(summary.FailedBatches, model.FailedBatch{
		Index:  index,
		Reason: reason,
		Detail: err.Error(),
	})
}

// buildStatuses marks every series of the batch attempted, and updated when
// the freshness predicate accepts it. A series absent from the response still
// gets a status row so resumes do not refetch it forever without record.
func buildStatuses(cycleID uuid.UUID, batch []string, rows []model.Observation, fresh FreshnessFunc, now time.Time) ([]model.SeriesStatus, int) {
	bySeries := make(map[string][]model.Observation, len(batch))
	for _, row := range rows {
		bySeries[row.SeriesID] = append(bySeries[row.SeriesID], row)
	}

	statuses := make([]model.SeriesStatus, 0, len(batch))
	updated := 0
	for _, seriesID := range batch {
		isUpdated := fresh(seriesID, bySeries[seriesID])
		if isUpdated {
			updated++
		}
		statuses = append(statuses, model.SeriesStatus{
			CycleID:     cycleID,
			SeriesID:    seriesID,
			IsUpdated:   isUpdated,
			LastAttempt: now,
		})
	}
	return statuses, updated
}
