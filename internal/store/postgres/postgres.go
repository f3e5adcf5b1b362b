package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"statpulse/internal/model"
	"statpulse/internal/store"
)

// Store is the Postgres-backed store, for deployments where the dashboard
// database already lives in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: unable to connect: %w", err)
	}

	st := &Store{pool: pool}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) UpsertSeries(ctx context.Context, series []model.Series) error {
	if len(series) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, item := range series {
		_, err := tx.Exec(ctx, `
			INSERT INTO series (survey_code, series_id, title, is_active)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (survey_code, series_id)
			DO UPDATE SET title = EXCLUDED.title, is_active = EXCLUDED.is_active
		`, item.SurveyCode, item.SeriesID, item.Title, item.IsActive)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) ListSeries(ctx context.Context, surveyCode string, onlyActive bool) ([]model.Series, error) {
	query := `SELECT survey_code, series_id, title, is_active FROM series WHERE survey_code = $1`
	if onlyActive {
		query += ` AND is_active`
	}
	query += ` ORDER BY series_id`

	rows, err := s.pool.Query(ctx, query, surveyCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	series := make([]model.Series, 0)
	for rows.Next() {
		var item model.Series
		if err := rows.Scan(&item.SurveyCode, &item.SeriesID, &item.Title, &item.IsActive); err != nil {
			return nil, err
		}
		series = append(series, item)
	}
	return series, rows.Err()
}

func (s *Store) CreateCycle(ctx context.Context, cycle model.UpdateCycle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO update_cycles (
			id, survey_code, state, force, total_series, series_updated,
			observations_written, requests_used, halt_reason, last_error,
			created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		cycle.ID.String(), cycle.SurveyCode, string(cycle.State), cycle.Force,
		cycle.TotalSeries, cycle.SeriesUpdated, cycle.ObservationsWritten,
		cycle.RequestsUsed, string(cycle.HaltReason), cycle.LastError,
		cycle.CreatedAt.UTC(), cycle.CompletedAt,
	)
	return err
}

func (s *Store) CurrentCycle(ctx context.Context, surveyCode string) (*model.UpdateCycle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, survey_code, state, force, total_series, series_updated,
			observations_written, requests_used, halt_reason, last_error,
			created_at, completed_at
		FROM update_cycles
		WHERE survey_code = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, surveyCode)

	var (
		cycle       model.UpdateCycle
		id          string
		state       string
		haltReason  string
		completedAt *time.Time
	)
	err := row.Scan(
		&id, &cycle.SurveyCode, &state, &cycle.Force, &cycle.TotalSeries,
		&cycle.SeriesUpdated, &cycle.ObservationsWritten, &cycle.RequestsUsed,
		&haltReason, &cycle.LastError, &cycle.CreatedAt, &completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNoCycle
	}
	if err != nil {
		return nil, err
	}

	cycle.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid cycle id %q: %w", id, err)
	}
	cycle.State = model.CycleState(state)
	cycle.HaltReason = model.HaltReason(haltReason)
	cycle.CompletedAt = completedAt
	return &cycle, nil
}

func (s *Store) SaveCycle(ctx context.Context, cycle model.UpdateCycle) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE update_cycles SET
			state = $1, total_series = $2, series_updated = $3,
			observations_written = $4, requests_used = $5, halt_reason = $6,
			last_error = $7, completed_at = $8
		WHERE id = $9
	`,
		string(cycle.State), cycle.TotalSeries, cycle.SeriesUpdated,
		cycle.ObservationsWritten, cycle.RequestsUsed, string(cycle.HaltReason),
		cycle.LastError, cycle.CompletedAt, cycle.ID.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: cycle %s not found", cycle.ID)
	}
	return nil
}

func (s *Store) SupersedeCycles(ctx context.Context, surveyCode string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE update_cycles
		SET state = $1, halt_reason = 'superseded', completed_at = NOW()
		WHERE survey_code = $2 AND completed_at IS NULL
	`, string(model.CycleHalted), surveyCode)
	return err
}

func (s *Store) OutstandingSeries(ctx context.Context, surveyCode string, cycleID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.series_id
		FROM series s
		WHERE s.survey_code = $1 AND s.is_active
		AND NOT EXISTS (
			SELECT 1 FROM series_status st
			WHERE st.cycle_id = $2 AND st.series_id = s.series_id AND st.is_updated
		)
		ORDER BY s.series_id
	`, surveyCode, cycleID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CommitBatch(ctx context.Context, observations []model.Observation, statuses []model.SeriesStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for i := range observations {
		obs := observations[i]
		if obs.IngestedAt.IsZero() {
			obs.IngestedAt = now
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO observations (
				survey_code, series_id, year, period, value, footnotes, ingested_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (survey_code, series_id, year, period)
			DO UPDATE SET
				value = EXCLUDED.value,
				footnotes = EXCLUDED.footnotes,
				ingested_at = EXCLUDED.ingested_at
		`, obs.SurveyCode, obs.SeriesID, obs.Year, obs.Period, obs.Value, obs.Footnotes, obs.IngestedAt.UTC())
		if err != nil {
			return err
		}
	}

	for _, status := range statuses {
		attempt := status.LastAttempt
		if attempt.IsZero() {
			attempt = now
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO series_status (cycle_id, series_id, is_updated, last_attempt)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (cycle_id, series_id)
			DO UPDATE SET
				is_updated = EXCLUDED.is_updated,
				last_attempt = EXCLUDED.last_attempt
		`, status.CycleID.String(), status.SeriesID, status.IsUpdated, attempt.UTC())
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) CountObservations(ctx context.Context, surveyCode string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM observations WHERE survey_code = $1`, surveyCode,
	).Scan(&count)
	return count, err
}

func (s *Store) ListObservations(ctx context.Context, surveyCode, seriesID string) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT survey_code, series_id, year, period, value, footnotes, ingested_at
		FROM observations
		WHERE survey_code = $1 AND series_id = $2
		ORDER BY year, period
	`, surveyCode, seriesID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	observations := make([]model.Observation, 0)
	for rows.Next() {
		var obs model.Observation
		if err := rows.Scan(&obs.SurveyCode, &obs.SeriesID, &obs.Year, &obs.Period, &obs.Value, &obs.Footnotes, &obs.IngestedAt); err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

func (s *Store) AddQuotaUsage(ctx context.Context, date string, n, limit int) (model.QuotaLedger, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO quota_ledger (date, used, quota_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (date) DO UPDATE SET
			used = quota_ledger.used + EXCLUDED.used,
			quota_limit = EXCLUDED.quota_limit
		RETURNING used, quota_limit
	`, date, n, limit)

	ledger := model.QuotaLedger{Date: date}
	if err := row.Scan(&ledger.Used, &ledger.Limit); err != nil {
		return model.QuotaLedger{}, err
	}
	return ledger, nil
}

func (s *Store) QuotaUsage(ctx context.Context, date string, limit int) (model.QuotaLedger, error) {
	ledger := model.QuotaLedger{Date: date, Limit: limit}
	err := s.pool.QueryRow(ctx,
		`SELECT used, quota_limit FROM quota_ledger WHERE date = $1`, date,
	).Scan(&ledger.Used, &ledger.Limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger, nil
	}
	if err != nil {
		return model.QuotaLedger{}, err
	}
	return ledger, nil
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS series (
			survey_code TEXT NOT NULL,
			series_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (survey_code, series_id)
		);`,
		`CREATE TABLE IF NOT EXISTS update_cycles (
			id TEXT PRIMARY KEY,
			survey_code TEXT NOT NULL,
			state TEXT NOT NULL,
			force BOOLEAN NOT NULL DEFAULT FALSE,
			total_series INTEGER NOT NULL DEFAULT 0,
			series_updated INTEGER NOT NULL DEFAULT 0,
			observations_written INTEGER NOT NULL DEFAULT 0,
			requests_used INTEGER NOT NULL DEFAULT 0,
			halt_reason TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_update_cycles_survey
			ON update_cycles (survey_code, created_at);`,
		`CREATE TABLE IF NOT EXISTS series_status (
			cycle_id TEXT NOT NULL,
			series_id TEXT NOT NULL,
			is_updated BOOLEAN NOT NULL DEFAULT FALSE,
			last_attempt TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (cycle_id, series_id)
		);`,
		`CREATE TABLE IF NOT EXISTS observations (
			survey_code TEXT NOT NULL,
			series_id TEXT NOT NULL,
			year INTEGER NOT NULL,
			period TEXT NOT NULL,
			value DOUBLE PRECISION,
			footnotes TEXT NOT NULL DEFAULT '',
			ingested_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (survey_code, series_id, year, period)
		);`,
		`CREATE TABLE IF NOT EXISTS quota_ledger (
			date TEXT PRIMARY KEY,
			used INTEGER NOT NULL DEFAULT 0,
			quota_limit INTEGER NOT NULL DEFAULT 0
		);`,
	}

	for _, statement := range statements {
		if _, err := s.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
