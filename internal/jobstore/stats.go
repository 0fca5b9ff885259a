package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/renderlab/renderq/internal/domain"
)

// StatusCounts holds per-status job counts used by queue stats and health.
type StatusCounts struct {
	Queued     int `db:"queued"`
	Processing int `db:"processing"`
	Completed  int `db:"completed"`
	Failed     int `db:"failed"`
}

// CountByStatus returns job counts grouped by status in a single scan
func (s *Storage) CountByStatus(ctx context.Context) (*StatusCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1) AS queued,
			COUNT(*) FILTER (WHERE status = $2) AS processing,
			COUNT(*) FILTER (WHERE status = $3) AS completed,
			COUNT(*) FILTER (WHERE status = $4) AS failed
		FROM jobs
	`

	var counts StatusCounts
	err := s.db.GetContext(ctx, &counts, query,
		domain.JobStatusQueued,
		domain.JobStatusProcessing,
		domain.JobStatusCompleted,
		domain.JobStatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	return &counts, nil
}

// RecentOutcomes returns completed/failed counts for jobs that settled within
// the window. The health monitor uses the ratio to detect failure spikes.
func (s *Storage) RecentOutcomes(ctx context.Context, window time.Duration) (completed, failed int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1) AS completed,
			COUNT(*) FILTER (WHERE status = $2) AS failed
		FROM jobs
		WHERE updated_at > NOW() - $3::interval
	`

	row := struct {
		Completed int `db:"completed"`
		Failed    int `db:"failed"`
	}{}

	interval := fmt.Sprintf("%d seconds", int(window.Seconds()))
	if err := s.db.GetContext(ctx, &row, query, domain.JobStatusCompleted, domain.JobStatusFailed, interval); err != nil {
		return 0, 0, fmt.Errorf("failed to count recent outcomes: %w", err)
	}

	return row.Completed, row.Failed, nil
}

// AverageDuration returns the mean settle time of terminal jobs in the window.
func (s *Storage) AverageDuration(ctx context.Context, window time.Duration) (time.Duration, error) {
	query := `
		SELECT COALESCE(EXTRACT(EPOCH FROM AVG(updated_at - created_at)), 0)
		FROM jobs
		WHERE status IN ($1, $2)
		  AND updated_at > NOW() - $3::interval
	`

	var seconds float64
	interval := fmt.Sprintf("%d seconds", int(window.Seconds()))
	err := s.db.GetContext(ctx, &seconds, query, domain.JobStatusCompleted, domain.JobStatusFailed, interval)
	if err != nil {
		return 0, fmt.Errorf("failed to compute average duration: %w", err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// InsertDeadLetter records a job that exhausted its retry budget. The unique
// constraint on job_id makes the forward exactly-once: a second insert for
// the same job is a no-op.
func (s *Storage) InsertDeadLetter(ctx context.Context, job *domain.Job, errMsg string) error {
	query := `
		INSERT INTO dead_letter_jobs (job_id, user_id, payload, error, attempt, failed_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query, job.JobID, job.UserID, job.Payload, errMsg, job.Attempt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	s.logger.Warn("Job forwarded to dead letter table",
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.Attempt),
	)

	return nil
}

// ListDeadLetters returns the most recent dead-lettered jobs for inspection
func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetterJob, error) {
	query := `
		SELECT id, job_id, user_id, payload, error, attempt, failed_at
		FROM dead_letter_jobs
		ORDER BY failed_at DESC
		LIMIT $1
	`

	var entries []domain.DeadLetterJob
	if err := s.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	return entries, nil
}

// ArchiveTerminalJobs moves jobs terminal for longer than retention into
// archived_jobs and deletes them from the live table. Invoked by health
// monitor housekeeping when the terminal backlog crosses its threshold.
// Returns the number of jobs archived.
func (s *Storage) ArchiveTerminalJobs(ctx context.Context, retention time.Duration, limit int) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	interval := fmt.Sprintf("%d seconds", int(retention.Seconds()))

	moveQuery := `
		WITH moved AS (
			DELETE FROM jobs
			WHERE job_id IN (
				SELECT job_id FROM jobs
				WHERE status IN ($1, $2)
				  AND updated_at < NOW() - $3::interval
				ORDER BY updated_at ASC
				LIMIT $4
			)
			RETURNING job_id, user_id, status, payload, output_url, error, attempt, created_at, updated_at
		)
		INSERT INTO archived_jobs (job_id, user_id, status, payload, output_url, error, attempt, created_at, updated_at, archived_at)
		SELECT job_id, user_id, status, payload, output_url, error, attempt, created_at, updated_at, NOW()
		FROM moved
	`

	result, err := tx.ExecContext(ctx, moveQuery,
		domain.JobStatusCompleted,
		domain.JobStatusFailed,
		interval,
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to archive terminal jobs: %w", err)
	}

	moved, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive transaction: %w", err)
	}

	if moved > 0 {
		s.logger.Info("Archived terminal jobs",
			slog.Int64("count", moved),
		)
	}

	return int(moved), nil
}
