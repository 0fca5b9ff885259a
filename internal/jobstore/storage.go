package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/renderlab/renderq/internal/domain"
)

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation. Admission uses it to make duplicate submissions idempotent.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Storage is the durable record of job state. It is the leaf dependency of
// the orchestration subsystem: admission creates rows, workers transition
// them, waiters and the health monitor read them. All mutations are
// conditional updates so concurrent writers cannot produce illegal
// transitions.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new QUEUED job row
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, user_id, status, payload,
			attempt, max_attempts, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.UserID,
		job.Status,
		job.Payload,
		job.Attempt,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `
		SELECT
			job_id, user_id, status, payload,
			COALESCE(output_url, '') AS output_url,
			COALESCE(error, '') AS error,
			attempt, max_attempts, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// HasActiveJob reports whether a non-terminal job exists for the given id.
// This backs the queue's singleton-key dedup: an enqueue whose key already
// has a live job is a no-op.
func (s *Storage) HasActiveJob(ctx context.Context, jobID string) (bool, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM jobs
		WHERE job_id = $1 AND status IN ($2, $3)
	`

	err := s.db.GetContext(ctx, &count, query, jobID, domain.JobStatusQueued, domain.JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to check active job: %w", err)
	}

	return count > 0, nil
}

// ClaimJob attempts to claim a job using a conditional update (QUEUED →
// PROCESSING). Competing workers race on this statement; exactly one wins.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING job_id, user_id, payload, attempt, max_attempts, created_at, updated_at
	`

	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusProcessing, jobID, domain.JobStatusQueued).Scan(
		&job.JobID,
		&job.UserID,
		&job.Payload,
		&job.Attempt,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusProcessing
	return &job, nil
}

// MarkCompleted transitions a PROCESSING job to COMPLETED with its output URL
func (s *Storage) MarkCompleted(ctx context.Context, jobID, outputURL string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    output_url = $2,
		    error = '',
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusCompleted, outputURL, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	return s.requireRow(result, jobID, domain.JobStatusCompleted)
}

// MarkFailed transitions a job to terminal FAILED with the error message.
// It applies to any non-terminal status so expired and orphaned jobs can be
// failed without first being claimed.
func (s *Storage) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, errMsg, jobID, domain.JobStatusQueued, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return s.requireRow(result, jobID, domain.JobStatusFailed)
}

// RequeueWithError transitions PROCESSING back to QUEUED after a retryable
// failure, incrementing the canonical attempt counter and recording the
// transient error for visibility.
func (s *Storage) RequeueWithError(ctx context.Context, jobID, errMsg string) (int, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error = $2,
		    attempt = attempt + 1,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING attempt
	`

	var attempt int
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusQueued, errMsg, jobID, domain.JobStatusProcessing).Scan(&attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrJobNotFound
		}
		return 0, fmt.Errorf("failed to requeue job: %w", err)
	}

	s.logger.Info("Job requeued for retry",
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
		slog.String("error", errMsg),
	)

	return attempt, nil
}

// CountActiveJobs returns the number of QUEUED or PROCESSING jobs for a user
func (s *Storage) CountActiveJobs(ctx context.Context, userID string) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM jobs
		WHERE user_id = $1 AND status IN ($2, $3)
	`

	err := s.db.GetContext(ctx, &count, query, userID, domain.JobStatusQueued, domain.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}

	return count, nil
}

// ReapStaleJobs fails any active job for the user whose updated_at is older
// than the cutoff. Guards admission counting against jobs orphaned by
// crashed workers. Returns the number of jobs reaped.
func (s *Storage) ReapStaleJobs(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error = $2,
		    updated_at = NOW()
		WHERE user_id = $3
		  AND status IN ($4, $5)
		  AND updated_at < $6
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStatusFailed,
		"job timed out: no progress within the stale window",
		userID,
		domain.JobStatusQueued,
		domain.JobStatusProcessing,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale jobs: %w", err)
	}

	reaped, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if reaped > 0 {
		s.logger.Warn("Reaped stale jobs",
			slog.String("user_id", userID),
			slog.Int64("count", reaped),
		)
	}

	return int(reaped), nil
}

// StaleQueuedJobIDs returns QUEUED jobs untouched since the cutoff. The queue
// sweeper re-announces these to recover redeliveries lost to a worker crash.
func (s *Storage) StaleQueuedJobIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	query := `
		SELECT job_id FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	err := s.db.SelectContext(ctx, &ids, query, domain.JobStatusQueued, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale queued jobs: %w", err)
	}

	return ids, nil
}

func (s *Storage) requireRow(result sql.Result, jobID, status string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Job status update matched no rows",
			slog.String("job_id", jobID),
			slog.String("target_status", status),
		)
		return domain.ErrJobNotFound
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}
