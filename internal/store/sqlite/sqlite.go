package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"statpulse/internal/model"
	"statpulse/internal/store"
)

const timeLayout = time.RFC3339Nano

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertSeries(ctx context.Context, series []model.Series) error {
	if len(series) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO series (survey_code, series_id, title, is_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(survey_code, series_id)
		DO UPDATE SET title = excluded.title, is_active = excluded.is_active
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, item := range series {
		if _, err := stmt.ExecContext(ctx, item.SurveyCode, item.SeriesID, item.Title, boolToInt(item.IsActive)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListSeries(ctx context.Context, surveyCode string, onlyActive bool) ([]model.Series, error) {
	query := `SELECT survey_code, series_id, title, is_active FROM series WHERE survey_code = ?`
	if onlyActive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY series_id`

	rows, err := s.db.QueryContext(ctx, query, surveyCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	series := make([]model.Series, 0)
	for rows.Next() {
		var item model.Series
		var active int
		if err := rows.Scan(&item.SurveyCode, &item.SeriesID, &item.Title, &active); err != nil {
			return nil, err
		}
		item.IsActive = active != 0
		series = append(series, item)
	}
	return series, rows.Err()
}

func (s *Store) CreateCycle(ctx context.Context, cycle model.UpdateCycle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_cycles (
			id, survey_code, state, force, total_series, series_updated,
			observations_written, requests_used, halt_reason, last_error,
			created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cycle.ID.String(),
		cycle.SurveyCode,
		string(cycle.State),
		boolToInt(cycle.Force),
		cycle.TotalSeries,
		cycle.SeriesUpdated,
		cycle.ObservationsWritten,
		cycle.RequestsUsed,
		string(cycle.HaltReason),
		cycle.LastError,
		cycle.CreatedAt.UTC().Format(timeLayout),
		formatNullableTime(cycle.CompletedAt),
	)
	return err
}

func (s *Store) CurrentCycle(ctx context.Context, surveyCode string) (*model.UpdateCycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, survey_code, state, force, total_series, series_updated,
			observations_written, requests_used, halt_reason, last_error,
			created_at, completed_at
		FROM update_cycles
		WHERE survey_code = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, surveyCode)

	cycle, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoCycle
	}
	if err != nil {
		return nil, err
	}
	return cycle, nil
}

func (s *Store) SaveCycle(ctx context.Context, cycle model.UpdateCycle) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE update_cycles SET
			state = ?, total_series = ?, series_updated = ?,
			observations_written = ?, requests_used = ?, halt_reason = ?,
			last_error = ?, completed_at = ?
		WHERE id = ?
	`,
		string(cycle.State),
		cycle.TotalSeries,
		cycle.SeriesUpdated,
		cycle.ObservationsWritten,
		cycle.RequestsUsed,
		string(cycle.HaltReason),
		cycle.LastError,
		formatNullableTime(cycle.CompletedAt),
		cycle.ID.String(),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sqlite: cycle %s not found", cycle.ID)
	}
	return nil
}

func (s *Store) SupersedeCycles(ctx context.Context, surveyCode string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE update_cycles
		SET state = ?, halt_reason = 'superseded', completed_at = ?
		WHERE survey_code = ? AND completed_at IS NULL
	`, string(model.CycleHalted), now, surveyCode)
	return err
}

func (s *Store) OutstandingSeries(ctx context.Context, surveyCode string, cycleID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.series_id
		FROM series s
		WHERE s.survey_code = ? AND s.is_active = 1
		AND NOT EXISTS (
			SELECT 1 FROM series_status st
			WHERE st.cycle_id = ? AND st.series_id = s.series_id AND st.is_updated = 1
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

// CommitBatch writes a batch's observations and status rows in one
// transaction. A failure rolls back this batch only.
func (s *Store) CommitBatch(ctx context.Context, observations []model.Observation, statuses []model.SeriesStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	obsStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (
			survey_code, series_id, year, period, value, footnotes, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(survey_code, series_id, year, period)
		DO UPDATE SET
			value = excluded.value,
			footnotes = excluded.footnotes,
			ingested_at = excluded.ingested_at
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer obsStmt.Close()

	now := time.Now().UTC()
	for i := range observations {
		obs := observations[i]
		if obs.IngestedAt.IsZero() {
			obs.IngestedAt = now
		}
		var value any
		if obs.Value != nil {
			value = *obs.Value
		}
		_, err = obsStmt.ExecContext(ctx,
			obs.SurveyCode,
			obs.SeriesID,
			obs.Year,
			obs.Period,
			value,
			obs.Footnotes,
			obs.IngestedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	statusStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO series_status (cycle_id, series_id, is_updated, last_attempt)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cycle_id, series_id)
		DO UPDATE SET
			is_updated = excluded.is_updated,
			last_attempt = excluded.last_attempt
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer statusStmt.Close()

	for _, status := range statuses {
		attempt := status.LastAttempt
		if attempt.IsZero() {
			attempt = now
		}
		_, err = statusStmt.ExecContext(ctx,
			status.CycleID.String(),
			status.SeriesID,
			boolToInt(status.IsUpdated),
			attempt.UTC().Format(timeLayout),
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) CountObservations(ctx context.Context, surveyCode string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM observations WHERE survey_code = ?`, surveyCode,
	).Scan(&count)
	return count, err
}

func (s *Store) ListObservations(ctx context.Context, surveyCode, seriesID string) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT survey_code, series_id, year, period, value, footnotes, ingested_at
		FROM observations
		WHERE survey_code = ? AND series_id = ?
		ORDER BY year, period
	`, surveyCode, seriesID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	observations := make([]model.Observation, 0)
	for rows.Next() {
		var (
			obs        model.Observation
			value      sql.NullFloat64
			ingestedAt string
		)
		if err := rows.Scan(&obs.SurveyCode, &obs.SeriesID, &obs.Year, &obs.Period, &value, &obs.Footnotes, &ingestedAt); err != nil {
			return nil, err
		}
		if value.Valid {
			parsed := value.Float64
			obs.Value = &parsed
		}
		obs.IngestedAt, err = time.Parse(timeLayout, ingestedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite: invalid ingested_at %q: %w", ingestedAt, err)
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

func (s *Store) AddQuotaUsage(ctx context.Context, date string, n, limit int) (model.QuotaLedger, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO quota_ledger (date, used, quota_limit)
		VALUES (?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			used = quota_ledger.used + excluded.used,
			quota_limit = excluded.quota_limit
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
	err := s.db.QueryRowContext(ctx,
		`SELECT used, quota_limit FROM quota_ledger WHERE date = ?`, date,
	).Scan(&ledger.Used, &ledger.Limit)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger, nil
	}
	if err != nil {
		return model.QuotaLedger{}, err
	}
	return ledger, nil
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS series (
			survey_code TEXT NOT NULL,
			series_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (survey_code, series_id)
		);`,
		`CREATE TABLE IF NOT EXISTS update_cycles (
			id TEXT PRIMARY KEY,
			survey_code TEXT NOT NULL,
			state TEXT NOT NULL,
			force INTEGER NOT NULL DEFAULT 0,
			total_series INTEGER NOT NULL DEFAULT 0,
			series_updated INTEGER NOT NULL DEFAULT 0,
			observations_written INTEGER NOT NULL DEFAULT 0,
			requests_used INTEGER NOT NULL DEFAULT 0,
			halt_reason TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			completed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_update_cycles_survey
			ON update_cycles (survey_code, created_at);`,
		`CREATE TABLE IF NOT EXISTS series_status (
			cycle_id TEXT NOT NULL,
			series_id TEXT NOT NULL,
			is_updated INTEGER NOT NULL DEFAULT 0,
			last_attempt TEXT NOT NULL,
			PRIMARY KEY (cycle_id, series_id)
		);`,
		`CREATE TABLE IF NOT EXISTS observations (
			survey_code TEXT NOT NULL,
			series_id TEXT NOT NULL,
			year INTEGER NOT NULL,
			period TEXT NOT NULL,
			value REAL,
			footnotes TEXT NOT NULL DEFAULT '',
			ingested_at TEXT NOT NULL,
			PRIMARY KEY (survey_code, series_id, year, period)
		);`,
		`CREATE TABLE IF NOT EXISTS quota_ledger (
			date TEXT PRIMARY KEY,
			used INTEGER NOT NULL DEFAULT 0,
			quota_limit INTEGER NOT NULL DEFAULT 0
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (*model.UpdateCycle, error) {
	var (
		cycle       model.UpdateCycle
		id          string
		state       string
		force       int
		haltReason  string
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(
		&id, &cycle.SurveyCode, &state, &force, &cycle.TotalSeries,
		&cycle.SeriesUpdated, &cycle.ObservationsWritten, &cycle.RequestsUsed,
		&haltReason, &cycle.LastError, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	cycle.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: invalid cycle id %q: %w", id, err)
	}
	cycle.State = model.CycleState(state)
	cycle.Force = force != 0
	cycle.HaltReason = model.HaltReason(haltReason)
	cycle.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: invalid created_at %q: %w", createdAt, err)
	}
	if completedAt.Valid && completedAt.String != "" {
		parsed, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("sqlite: invalid completed_at %q: %w", completedAt.String, err)
		}
		cycle.CompletedAt = &parsed
	}
	return &cycle, nil
}

func formatNullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(timeLayout)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

var _ store.Store = (*Store)(nil)
