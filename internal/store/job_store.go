package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/creator-membership/backend/internal/models"
)

// ErrJobNotFound is returned when a job is not found in the database
var ErrJobNotFound = errors.New("job not found")

// JobStore provides database operations for the follow-up job queue
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

const jobColumns = `id, job_type, payload, status, attempts, max_attempts, last_error,
       retry_after, worker_id, created_at, updated_at, completed_at`

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.RetryAfter,
		&job.WorkerID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	return job, nil
}

// Enqueue creates a new job in the queue
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if job.MaxAttempts == 0 {
		job.MaxAttempts = models.DefaultJobMaxAttempts
	}
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	status := models.JobStatusPending
	if job.Status != "" {
		status = job.Status
	}

	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO jobs (job_type, payload, status, max_attempts)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		job.JobType,
		job.Payload,
		string(status),
		job.MaxAttempts,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	job.Status = status
	return nil
}

// GetByID retrieves a job by its ID
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next available job for processing.
// It returns nil, nil when the queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = 'processing',
		     worker_id = $1,
		     updated_at = NOW(),
		     attempts = attempts + 1
		 WHERE id = (
		 	SELECT id FROM jobs
		 	WHERE status = 'pending'
		 	  AND (retry_after IS NULL OR retry_after <= NOW())
		 	ORDER BY created_at ASC
		 	LIMIT 1
		 	FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		workerID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = 'completed',
		     completed_at = NOW(),
		     updated_at = NOW(),
		     worker_id = NULL
		 WHERE id = $1`,
		id,
	); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as permanently failed
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = 'failed',
		     last_error = $2,
		     updated_at = NOW(),
		     worker_id = NULL
		 WHERE id = $1`,
		id,
		errorMsg,
	); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts a job back to pending until retryAfter
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = 'pending',
		     last_error = $2,
		     retry_after = $3,
		     updated_at = NOW(),
		     worker_id = NULL
		 WHERE id = $1`,
		id,
		errorMsg,
		retryAfter.UTC(),
	); err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// ReleaseJob releases a processing job back to pending (for graceful shutdown)
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = 'pending',
		     worker_id = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		id,
	); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// GetStats returns statistics about the job queue
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.db.QueryRowContext(
		ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'pending') AS pending,
		   COUNT(*) FILTER (WHERE status = 'processing') AS processing,
		   COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		   COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		   COUNT(*) AS total
		 FROM jobs`,
	).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}
