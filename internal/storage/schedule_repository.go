package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// ErrScheduleNotFound is returned when no schedule row exists for the key.
var ErrScheduleNotFound = errors.New("schedule not found")

// ScheduleRepository handles durable schedule state persistence. The
// scheduler depends on the exact due-set semantics of GetDue; all mutations
// here are single-row atomic statements so that multiple scheduler processes
// can share one store.
type ScheduleRepository struct {
	db *PostgresDB
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db *PostgresDB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `job_type, provider_address, interval_seconds, next_run_at, last_run_at, paused, created_at, updated_at`

// Get retrieves the schedule for one (jobType, providerAddress) pair.
func (r *ScheduleRepository) Get(ctx context.Context, jobType types.JobType, provider string) (*models.ScheduleState, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE job_type = $1 AND provider_address = $2
	`

	row := r.db.Pool().QueryRow(ctx, query, jobType, provider)
	state, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return state, nil
}

// Upsert inserts or updates a schedule row keyed on (job_type,
// provider_address).
func (r *ScheduleRepository) Upsert(ctx context.Context, state *models.ScheduleState) error {
	query := `
		INSERT INTO schedules (job_type, provider_address, interval_seconds, next_run_at, last_run_at, paused, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (job_type, provider_address) DO UPDATE
		SET interval_seconds = EXCLUDED.interval_seconds,
		    next_run_at = EXCLUDED.next_run_at,
		    last_run_at = EXCLUDED.last_run_at,
		    paused = EXCLUDED.paused,
		    updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		state.JobType,
		state.ProviderAddress,
		state.IntervalSeconds,
		state.NextRunAt,
		state.LastRunAt,
		state.Paused,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

// CreateIfAbsent inserts a schedule only when no row exists for the key.
// Existing rows, including manually paused ones, are left untouched so that
// administrative state survives scheduler restarts.
func (r *ScheduleRepository) CreateIfAbsent(ctx context.Context, state *models.ScheduleState) (bool, error) {
	query := `
		INSERT INTO schedules (job_type, provider_address, interval_seconds, next_run_at, last_run_at, paused, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (job_type, provider_address) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		state.JobType,
		state.ProviderAddress,
		state.IntervalSeconds,
		state.NextRunAt,
		state.LastRunAt,
		state.Paused,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create schedule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetDue returns schedules where paused is false and next_run_at has passed.
func (r *ScheduleRepository) GetDue(ctx context.Context, now time.Time) ([]*models.ScheduleState, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE NOT paused AND next_run_at <= $1
		ORDER BY next_run_at
	`

	rows, err := r.db.Pool().Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// List returns every schedule row.
func (r *ScheduleRepository) List(ctx context.Context) ([]*models.ScheduleState, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		ORDER BY job_type, provider_address
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// Advance records a completed tick: sets last_run_at and moves next_run_at.
func (r *ScheduleRepository) Advance(ctx context.Context, jobType types.JobType, provider string, lastRunAt, nextRunAt time.Time) error {
	query := `
		UPDATE schedules
		SET last_run_at = $3, next_run_at = $4, updated_at = NOW()
		WHERE job_type = $1 AND provider_address = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, jobType, provider, lastRunAt, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// SetPaused flips the administrative pause flag.
func (r *ScheduleRepository) SetPaused(ctx context.Context, jobType types.JobType, provider string, paused bool) error {
	query := `
		UPDATE schedules
		SET paused = $3, updated_at = NOW()
		WHERE job_type = $1 AND provider_address = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, jobType, provider, paused)
	if err != nil {
		return fmt.Errorf("failed to set schedule paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// SetNextRunAt sets next_run_at directly. "Run now" is expressed by setting
// it to the current time.
func (r *ScheduleRepository) SetNextRunAt(ctx context.Context, jobType types.JobType, provider string, nextRunAt time.Time) error {
	query := `
		UPDATE schedules
		SET next_run_at = $3, updated_at = NOW()
		WHERE job_type = $1 AND provider_address = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, jobType, provider, nextRunAt)
	if err != nil {
		return fmt.Errorf("failed to set schedule next run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// Delete removes the schedule for one (jobType, providerAddress) pair.
func (r *ScheduleRepository) Delete(ctx context.Context, jobType types.JobType, provider string) error {
	query := `DELETE FROM schedules WHERE job_type = $1 AND provider_address = $2`

	if _, err := r.db.Pool().Exec(ctx, query, jobType, provider); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// DeleteForProvider removes every schedule for a provider. Called when a
// provider is deactivated or removed from configuration.
func (r *ScheduleRepository) DeleteForProvider(ctx context.Context, provider string) error {
	query := `DELETE FROM schedules WHERE provider_address = $1 AND provider_address <> ''`

	if _, err := r.db.Pool().Exec(ctx, query, provider); err != nil {
		return fmt.Errorf("failed to delete provider schedules: %w", err)
	}
	return nil
}

func scanSchedule(row pgx.Row) (*models.ScheduleState, error) {
	var state models.ScheduleState
	err := row.Scan(
		&state.JobType,
		&state.ProviderAddress,
		&state.IntervalSeconds,
		&state.NextRunAt,
		&state.LastRunAt,
		&state.Paused,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func collectSchedules(rows pgx.Rows) ([]*models.ScheduleState, error) {
	var schedules []*models.ScheduleState
	for rows.Next() {
		state, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}
	return schedules, nil
}
