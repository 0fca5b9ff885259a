// Package worker claims jobs from the queue backend, runs the render and
// storage-finalize collaborators, transitions the job row, and publishes
// completion events. It owns the retry-vs-final-failure decision.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/renderlab/renderq/internal/backoff"
	"github.com/renderlab/renderq/internal/domain"
	"github.com/renderlab/renderq/internal/queue"
	"github.com/renderlab/renderq/internal/render"
)

// Store is the job store surface the worker needs. Satisfied by
// *jobstore.Storage.
type Store interface {
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	MarkCompleted(ctx context.Context, jobID, outputURL string) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
	RequeueWithError(ctx context.Context, jobID, errMsg string) (int, error)
	InsertDeadLetter(ctx context.Context, job *domain.Job, errMsg string) error
}

// Publisher pushes completion events; satisfied by *notify.Channel.
type Publisher interface {
	Publish(ctx context.Context, channelName string, evt *domain.NotificationEvent) error
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	Store        Store
	Backend      queue.Backend
	Notifier     Publisher
	Renderer     render.Renderer
	Finalizer    render.Finalizer
	RetryPolicy  backoff.Policy
	WorkerID     string
	Concurrency  int
	JobTimeout   time.Duration
	DrainTimeout time.Duration
	DeadLetter   bool
}

// Worker represents the background render worker
type Worker struct {
	logger       *slog.Logger
	store        Store
	backend      queue.Backend
	notifier     Publisher
	renderer     render.Renderer
	finalizer    render.Finalizer
	retryPolicy  backoff.Policy
	workerID     string
	concurrency  int
	jobTimeout   time.Duration
	drainTimeout time.Duration
	deadLetter   bool

	wg       sync.WaitGroup
	active   sync.WaitGroup
	activeN  int64
	activeMu sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	if cfg.RetryPolicy.Base == 0 {
		cfg.RetryPolicy = backoff.QueueRetry()
	}

	return &Worker{
		logger:       cfg.Logger,
		store:        cfg.Store,
		backend:      cfg.Backend,
		notifier:     cfg.Notifier,
		renderer:     cfg.Renderer,
		finalizer:    cfg.Finalizer,
		retryPolicy:  cfg.RetryPolicy,
		workerID:     cfg.WorkerID,
		concurrency:  cfg.Concurrency,
		jobTimeout:   cfg.JobTimeout,
		drainTimeout: cfg.DrainTimeout,
		deadLetter:   cfg.DeadLetter,
		stopChan:     make(chan struct{}),
	}
}

// Start spawns the worker pool and blocks until the context is canceled or
// the delivery stream ends.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	w.spawnWorkerPool(ctx)
	w.wg.Wait()
	return nil
}

// Stop gracefully stops the worker: no new claims, then wait up to the
// drain timeout for active jobs to finish.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})

	done := make(chan struct{})
	go func() {
		w.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker drained cleanly")
	case <-time.After(w.drainTimeout):
		w.logger.Warn("Worker drain timeout hit",
			slog.Int64("jobs_still_active", w.activeCount()),
		)
	}

	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// ActiveJobs returns the number of jobs currently being processed
func (w *Worker) ActiveJobs() int64 {
	return w.activeCount()
}

func (w *Worker) trackActive(delta int64) {
	w.activeMu.Lock()
	w.activeN += delta
	w.activeMu.Unlock()
}

func (w *Worker) activeCount() int64 {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	return w.activeN
}

// destinationKey builds the artifact key a finalized render is stored under.
func destinationKey(jobID string) string {
	return fmt.Sprintf("renders/%s", jobID)
}
