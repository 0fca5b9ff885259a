// Package admission validates per-user concurrency before any job record is
// created or enqueued. It is the single entry point for new work.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/renderlab/renderq/internal/domain"
	"github.com/renderlab/renderq/internal/jobstore"
	"github.com/renderlab/renderq/internal/queue"
)

// Store is the job store surface admission needs. Satisfied by
// *jobstore.Storage.
type Store interface {
	ReapStaleJobs(ctx context.Context, userID string, cutoff time.Time) (int, error)
	CountActiveJobs(ctx context.Context, userID string) (int, error)
	CreateJob(ctx context.Context, job *domain.Job) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
}

// Executor wraps queue submissions; satisfied by *breaker.Breaker.
type Executor interface {
	Execute(ctx context.Context, op func(ctx context.Context) error) error
}

// Publisher announces job availability; satisfied by *notify.Channel.
type Publisher interface {
	Publish(ctx context.Context, channelName string, evt *domain.NotificationEvent) error
}

// CompletionWaiter backs the bounded inline wait; satisfied by
// *waiter.Registry.
type CompletionWaiter interface {
	WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*domain.NotificationEvent, error)
}

// Config holds admission settings.
type Config struct {
	MaxConcurrentPerUser int
	StaleAfter           time.Duration
	RetryLimit           int
	RetryDelay           time.Duration
	ExpireIn             time.Duration
}

// Controller enforces admission and submits accepted jobs.
type Controller struct {
	store    Store
	backend  queue.Backend
	executor Executor
	notifier Publisher
	waiter   CompletionWaiter
	config   Config
	logger   *slog.Logger
}

// NewController creates an admission controller. notifier and waiter may be
// nil when the process does not carry those services (e.g. tooling).
func NewController(store Store, backend queue.Backend, executor Executor, notifier Publisher, waiter CompletionWaiter, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		backend:  backend,
		executor: executor,
		notifier: notifier,
		waiter:   waiter,
		config:   cfg,
		logger:   logger,
	}
}

// SubmitRequest is a validated-at-the-door submission. JobID is optional;
// when supplied it doubles as the singleton key, making resubmission
// idempotent.
type SubmitRequest struct {
	UserID  string
	Payload string
	JobID   string
}

// Submit admits and enqueues a render job, returning its id. The sequence
// is: reap stale jobs for the user, count the survivors against the quota,
// create the QUEUED row, announce on the queue through the circuit breaker.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := c.validate(&req); err != nil {
		return "", err
	}

	cutoff := time.Now().Add(-c.config.StaleAfter)
	if _, err := c.store.ReapStaleJobs(ctx, req.UserID, cutoff); err != nil {
		return "", fmt.Errorf("failed to reap stale jobs: %w", err)
	}

	active, err := c.store.CountActiveJobs(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to count active jobs: %w", err)
	}
	if active >= c.config.MaxConcurrentPerUser {
		c.logger.Warn("Submission rejected by admission control",
			slog.String("user_id", req.UserID),
			slog.Int("active", active),
			slog.Int("max", c.config.MaxConcurrentPerUser),
		)
		return "", &domain.AdmissionLimitError{Active: active, Max: c.config.MaxConcurrentPerUser}
	}

	now := time.Now()
	job := &domain.Job{
		JobID:       req.JobID,
		UserID:      req.UserID,
		Status:      domain.JobStatusQueued,
		Payload:     req.Payload,
		MaxAttempts: c.config.RetryLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := c.store.CreateJob(ctx, job); err != nil {
		if jobstore.IsUniqueViolation(err) {
			// Resubmission of a live singleton key is a no-op.
			c.logger.Info("Duplicate submission deduplicated",
				slog.String("job_id", job.JobID),
			)
			return job.JobID, nil
		}
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	msg := queue.Message{JobID: job.JobID, EnqueuedAt: now}
	opts := queue.Options{
		SingletonKey: job.JobID,
		RetryLimit:   c.config.RetryLimit,
		RetryDelay:   c.config.RetryDelay,
		RetryBackoff: true,
		ExpireIn:     c.config.ExpireIn,
	}

	err = c.executor.Execute(ctx, func(ctx context.Context) error {
		return c.backend.Enqueue(ctx, msg, opts)
	})
	if err != nil {
		// No orphan QUEUED rows: a job that was never announced would sit
		// until reaped, so fail it now and surface the enqueue error.
		if markErr := c.store.MarkFailed(ctx, job.JobID, "enqueue failed: "+err.Error()); markErr != nil {
			c.logger.Error("Failed to mark unenqueued job failed",
				slog.String("job_id", job.JobID),
				slog.String("error", markErr.Error()),
			)
		}
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	if c.notifier != nil {
		// Best effort: the durable queue wakes workers regardless.
		if perr := c.notifier.Publish(ctx, domain.ChannelJobAvailable, &domain.NotificationEvent{
			JobID:  job.JobID,
			Status: domain.EventStatusQueued,
		}); perr != nil {
			c.logger.Debug("Job-available announcement failed",
				slog.String("job_id", job.JobID),
				slog.String("error", perr.Error()),
			)
		}
	}

	c.logger.Info("Job admitted",
		slog.String("job_id", job.JobID),
		slog.String("user_id", req.UserID),
		slog.Int("active_before", active),
	)

	return job.JobID, nil
}

// SubmitAndWait submits and then waits up to maxWait for completion, so fast
// jobs return synchronously. A nil event means the job is still running.
func (c *Controller) SubmitAndWait(ctx context.Context, req SubmitRequest, maxWait time.Duration) (string, *domain.NotificationEvent, error) {
	jobID, err := c.Submit(ctx, req)
	if err != nil {
		return "", nil, err
	}

	if c.waiter == nil || maxWait <= 0 {
		return jobID, nil, nil
	}

	evt, err := c.waiter.WaitForCompletion(ctx, jobID, maxWait)
	if err != nil {
		return jobID, nil, err
	}
	return jobID, evt, nil
}

// validate rejects malformed submissions before any side effect
func (c *Controller) validate(req *SubmitRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidPayload)
	}
	if req.Payload == "" || !json.Valid([]byte(req.Payload)) {
		return fmt.Errorf("%w: payload must be valid JSON", domain.ErrInvalidPayload)
	}

	if req.JobID == "" {
		req.JobID = uuid.New().String()
	} else if _, err := uuid.Parse(req.JobID); err != nil {
		return fmt.Errorf("%w: job_id must be a valid UUID", domain.ErrInvalidPayload)
	}

	return nil
}
