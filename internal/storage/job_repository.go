package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dealwatch/internal/models"
	"github.com/dealwatch/internal/types"
)

// ErrJobNotFound is returned when no job row exists for the id.
var ErrJobNotFound = errors.New("job not found")

const pgUniqueViolation = "23505"

// JobRepository handles job queue persistence. All coordination between
// workers (claiming, singleton-key mutual exclusion, idempotent enqueue) is
// expressed as atomic statements against Postgres because workers may run as
// independent processes. Two partial unique indexes back the invariants:
// one on slot_key for idempotent enqueue, one on singleton_key for rows in
// the active state.
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, queue_name, job_type, provider_address, state, retry_count, retry_limit,
	singleton_key, slot_key, start_after, expire_seconds, created_at, started_at, completed_at, output`

// Enqueue inserts a job. When the job carries a slot key and a job for the
// same slot already exists, the insert is skipped silently and Enqueue
// returns false. This makes scheduler enqueue idempotent per tick.
func (r *JobRepository) Enqueue(ctx context.Context, job *models.Job) (bool, error) {
	query := `
		INSERT INTO jobs (id, queue_name, job_type, provider_address, state, retry_count, retry_limit,
			singleton_key, slot_key, start_after, expire_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (slot_key) WHERE slot_key IS NOT NULL DO NOTHING
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.QueueName,
		job.JobType,
		job.ProviderAddress,
		job.State,
		job.RetryCount,
		job.RetryLimit,
		job.SingletonKey,
		job.SlotKey,
		job.StartAfter,
		job.ExpireSeconds,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimOne atomically claims the oldest runnable job on a queue, moving it
// to the active state. Jobs whose singleton key is held by any active job
// (on any queue, so deal and retrieval share the mutex) are skipped and
// deferred to a later poll. Returns nil when nothing is claimable.
func (r *JobRepository) ClaimOne(ctx context.Context, queue string, now time.Time) (*models.Job, error) {
	query := `
		WITH next AS (
			SELECT j.id
			FROM jobs j
			WHERE j.queue_name = $1
			  AND j.state IN ('created', 'retry')
			  AND j.start_after <= $2
			  AND (j.singleton_key IS NULL OR NOT EXISTS (
				SELECT 1 FROM jobs a
				WHERE a.state = 'active' AND a.singleton_key = j.singleton_key
			  ))
			ORDER BY j.created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET state = 'active', started_at = $2
		FROM next
		WHERE jobs.id = next.id
		RETURNING ` + jobColumns

	row := r.db.Pool().QueryRow(ctx, query, queue, now)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		// Another worker won the singleton race between our NOT EXISTS
		// check and the update; the partial unique index rejected us.
		// The job stays claimable for a later poll.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// MarkCompleted moves an active job to completed with its output.
func (r *JobRepository) MarkCompleted(ctx context.Context, id string, output string) error {
	return r.finish(ctx, id, types.JobStateCompleted, output)
}

// MarkFailed moves a job to the terminal failed state (dead letter).
func (r *JobRepository) MarkFailed(ctx context.Context, id string, output string) error {
	return r.finish(ctx, id, types.JobStateFailed, output)
}

// MarkCancelled moves a job to the cancelled state.
func (r *JobRepository) MarkCancelled(ctx context.Context, id string, output string) error {
	return r.finish(ctx, id, types.JobStateCancelled, output)
}

func (r *JobRepository) finish(ctx context.Context, id string, state types.JobState, output string) error {
	query := `
		UPDATE jobs
		SET state = $2, completed_at = NOW(), output = $3
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, state, output)
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", state, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkRetry reschedules a failed job: increments retry_count and moves it
// back to the retry state with a new start_after computed by the executor's
// backoff policy.
func (r *JobRepository) MarkRetry(ctx context.Context, id string, startAfter time.Time, output string) error {
	query := `
		UPDATE jobs
		SET state = 'retry', retry_count = retry_count + 1, start_after = $2, started_at = NULL, output = $3
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, startAfter, output)
	if err != nil {
		return fmt.Errorf("failed to mark job for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetByID retrieves a job by id.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	row := r.db.Pool().QueryRow(ctx, query, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// CountByState returns the number of jobs on a queue in a given state.
func (r *JobRepository) CountByState(ctx context.Context, queue string, state types.JobState) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE queue_name = $1 AND state = $2`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, queue, state).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// ListRecent returns the most recent jobs on a queue, newest first.
func (r *JobRepository) ListRecent(ctx context.Context, queue string, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue_name = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// DeleteTerminalOlderThan prunes completed, failed, and cancelled jobs older
// than the cutoff. Called by the metrics cleanup job.
func (r *JobRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed', 'cancelled') AND created_at < $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.QueueName,
		&job.JobType,
		&job.ProviderAddress,
		&job.State,
		&job.RetryCount,
		&job.RetryLimit,
		&job.SingletonKey,
		&job.SlotKey,
		&job.StartAfter,
		&job.ExpireSeconds,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Output,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
