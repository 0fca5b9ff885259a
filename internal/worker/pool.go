package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N goroutines consuming the shared delivery stream.
// The queue backend guarantees a delivery reaches only one of them; the
// conditional claim in the store guards against re-announcements.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	deliveries := w.backend.Deliveries()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stop requested",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case d, ok := <-deliveries:
			if !ok {
				w.logger.Info("Worker goroutine stopping - delivery stream closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", d.JobID),
				slog.Uint64("delivery_tag", d.Tag),
			)

			w.active.Add(1)
			w.trackActive(1)
			w.processDelivery(ctx, workerName, d)
			w.trackActive(-1)
			w.active.Done()
		}
	}
}
