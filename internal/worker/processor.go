package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/renderlab/renderq/internal/domain"
	"github.com/renderlab/renderq/internal/queue"
)

// processDelivery drives one delivery through the job state machine:
// QUEUED → PROCESSING → {COMPLETED | FAILED}, with PROCESSING → QUEUED as
// the non-final retry loop.
func (w *Worker) processDelivery(ctx context.Context, workerName string, d queue.Delivery) {
	// Expired announcements are abandoned without claiming. The failed
	// event is published only when MarkFailed actually transitioned the
	// row: a duplicate announcement for a job that already settled matches
	// no row, and pushing a failed event then could resolve a waiter
	// against the authoritative COMPLETED state.
	if d.Expired(time.Now()) {
		w.logger.Warn("Job expired before processing",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.JobID),
		)
		err := w.store.MarkFailed(ctx, d.JobID, domain.ErrJobExpired.Error())
		switch {
		case err == nil:
			w.publishTerminal(ctx, d.JobID, domain.EventStatusFailed, "", domain.ErrJobExpired.Error())
		case !errors.Is(err, domain.ErrJobNotFound):
			w.logger.Error("Failed to mark expired job failed",
				slog.String("job_id", d.JobID),
				slog.String("error", err.Error()),
			)
		}
		w.ack(workerName, d.Tag)
		return
	}

	// Claim: conditional QUEUED → PROCESSING. Losing the race means another
	// worker (or a duplicate announcement) owns the job; drop the delivery.
	job, err := w.store.ClaimJob(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			w.logger.Warn("Job already claimed, skipping",
				slog.String("worker_name", workerName),
				slog.String("job_id", d.JobID),
			)
			w.ack(workerName, d.Tag)
			return
		}

		// Database hiccup: return the delivery so any worker retries it.
		w.logger.Error("Failed to claim job",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(workerName, d.Tag, true)
		return
	}

	execCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	outputURL, execErr := w.execute(execCtx, job)
	if execErr == nil {
		w.complete(ctx, workerName, job, outputURL, d)
		return
	}

	w.fail(ctx, workerName, job, execErr, d)
}

// execute runs the render collaborator and then the storage finalizer. A
// render success whose finalize fails is still an overall job failure.
func (w *Worker) execute(ctx context.Context, job *domain.Job) (string, error) {
	result, err := w.renderer.Render(ctx, job.Payload)
	if err != nil {
		return "", err
	}

	outputURL, err := w.finalizer.Finalize(ctx, result.OutputPath, destinationKey(job.JobID))
	if err != nil {
		return "", err
	}

	return outputURL, nil
}

// complete records success and announces it
func (w *Worker) complete(ctx context.Context, workerName string, job *domain.Job, outputURL string, d queue.Delivery) {
	if err := w.store.MarkCompleted(ctx, job.JobID, outputURL); err != nil {
		// The render is done but the record isn't; return the delivery so
		// the claim re-runs once the store recovers.
		w.logger.Error("Failed to mark job completed",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(workerName, d.Tag, true)
		return
	}

	w.logger.Info("Job completed successfully",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.Attempt),
	)

	w.publishTerminal(ctx, job.JobID, domain.EventStatusCompleted, outputURL, "")
	w.ack(workerName, d.Tag)
}

// fail decides retry vs final failure. Classification is strictly
// attempt-count based: attempt+1 >= the budget is final, anything else is
// requeued with the transient error recorded for visibility.
func (w *Worker) fail(ctx context.Context, workerName string, job *domain.Job, execErr error, d queue.Delivery) {
	w.logger.Error("Job execution failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("error", execErr.Error()),
	)

	if job.Attempt+1 >= job.MaxAttempts {
		w.finalFailure(ctx, workerName, job, execErr, d)
		return
	}

	attempt, err := w.store.RequeueWithError(ctx, job.JobID, execErr.Error())
	if err != nil {
		w.logger.Error("Failed to requeue job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(workerName, d.Tag, true)
		return
	}

	delay := w.retryPolicy.Delay(attempt)
	if err := w.backend.ScheduleRetry(ctx, d.Message, delay); err != nil {
		// The row is QUEUED; the sweeper re-announces it.
		w.logger.Error("Failed to schedule retry",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}

	w.logger.Info("Job will be retried",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.JobID),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("delay", delay),
	)

	w.ack(workerName, d.Tag)
}

// finalFailure marks the job terminally failed, announces it, and forwards
// it to the dead-letter table exactly once.
func (w *Worker) finalFailure(ctx context.Context, workerName string, job *domain.Job, execErr error, d queue.Delivery) {
	w.logger.Warn("Job exceeded max attempts",
		slog.String("worker_name", workerName),
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	if err := w.store.MarkFailed(ctx, job.JobID, execErr.Error()); err != nil {
		w.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(workerName, d.Tag, true)
		return
	}

	if w.deadLetter {
		job.Attempt++ // record the attempt that exhausted the budget
		if err := w.store.InsertDeadLetter(ctx, job, execErr.Error()); err != nil {
			w.logger.Error("Failed to forward job to dead letter table",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	w.publishTerminal(ctx, job.JobID, domain.EventStatusFailed, "", execErr.Error())
	w.ack(workerName, d.Tag)
}

// publishTerminal pushes a completion event. Push is at-most-once: a failed
// publish only delays waiters until their fallback poll.
func (w *Worker) publishTerminal(ctx context.Context, jobID, status, outputURL, errMsg string) {
	if w.notifier == nil {
		return
	}

	evt := &domain.NotificationEvent{
		JobID:     jobID,
		Status:    status,
		OutputURL: outputURL,
		Error:     errMsg,
	}

	if err := w.notifier.Publish(ctx, domain.ChannelJobCompleted, evt); err != nil {
		w.logger.Warn("Failed to publish completion event",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) ack(workerName string, tag uint64) {
	if err := w.backend.Ack(tag); err != nil {
		w.logger.Error("Failed to ACK delivery",
			slog.String("worker_name", workerName),
			slog.Uint64("delivery_tag", tag),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) nack(workerName string, tag uint64, requeue bool) {
	if err := w.backend.Nack(tag, requeue); err != nil {
		w.logger.Error("Failed to NACK delivery",
			slog.String("worker_name", workerName),
			slog.Uint64("delivery_tag", tag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
