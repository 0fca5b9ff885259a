package queue

import (
	"context"
	"log/slog"
	"time"
)

// SweepSource lists QUEUED jobs that have not been touched since the cutoff.
// Satisfied by *jobstore.Storage.
type SweepSource interface {
	StaleQueuedJobIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Sweeper periodically re-announces QUEUED jobs whose broker message was
// lost: a retry timer that died with its process, or a dropped publish. The
// durable row is the source of truth, so re-announcing is always safe; a
// duplicate delivery loses the conditional claim and is dropped.
type Sweeper struct {
	source   SweepSource
	backend  Backend
	interval time.Duration
	minAge   time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. minAge must exceed the longest retry delay so
// jobs waiting on a live timer are not double-announced.
func NewSweeper(source SweepSource, backend Backend, interval, minAge time.Duration, batch int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		source:   source,
		backend:  backend,
		interval: interval,
		minAge:   minAge,
		batch:    batch,
		logger:   logger,
	}
}

// Run sweeps until the context is canceled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Requeue sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("min_age", s.minAge),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Requeue sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.minAge)
	ids, err := s.source.StaleQueuedJobIDs(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Error("Sweep failed to list stale queued jobs",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, id := range ids {
		msg := Message{JobID: id, EnqueuedAt: time.Now()}
		if err := s.backend.Enqueue(ctx, msg, Options{SingletonKey: id}); err != nil {
			s.logger.Error("Sweep failed to re-announce job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Warn("Re-announced stale queued job",
			slog.String("job_id", id),
		)
	}
}
