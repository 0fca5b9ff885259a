// Package queue provides the durable competing-consumers work queue. One
// Backend contract, two adapters: RabbitMQ for production and an in-memory
// implementation for tests. The jobs table is the durable source of truth;
// the broker only carries delivery.
package queue

import (
	"context"
	"time"

	"github.com/renderlab/renderq/internal/jobstore"
)

// Message is the payload carried through the queue. The job row holds the
// actual scene data; the queue only announces which job is ready.
type Message struct {
	JobID      string     `json:"job_id"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the message outlived its expiry window.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Options control enqueue semantics.
type Options struct {
	// SingletonKey deduplicates: an enqueue whose key already has a live
	// (non-terminal) job is a no-op.
	SingletonKey string
	// RetryLimit is the total attempt budget before the job is dead.
	RetryLimit int
	// RetryDelay is the base delay between redeliveries.
	RetryDelay time.Duration
	// RetryBackoff grows the delay exponentially when true.
	RetryBackoff bool
	// ExpireIn abandons the job if unclaimed after this duration.
	ExpireIn time.Duration
}

// Delivery is a claimed message plus the acknowledgement handle.
type Delivery struct {
	Message
	Tag uint64
}

// Stats mirrors the job table's per-status counts.
type Stats struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Backend is the work queue contract. Implementations guarantee: singleton
// dedup on enqueue, mutually exclusive delivery to competing consumers, no
// redelivery after the retry budget is gone, and abandonment past expiry.
type Backend interface {
	// Enqueue announces a job. Safe to call with an already-active
	// singleton key.
	Enqueue(ctx context.Context, msg Message, opts Options) error
	// Deliveries is the stream workers consume from. Closed on shutdown.
	Deliveries() <-chan Delivery
	// Ack marks a delivery done (the outcome is already durable in the store).
	Ack(tag uint64) error
	// Nack returns a delivery; requeue=false drops it.
	Nack(tag uint64, requeue bool) error
	// ScheduleRetry re-announces a job after the backoff delay.
	ScheduleRetry(ctx context.Context, msg Message, delay time.Duration) error
	// Stats reports queue depth by status.
	Stats(ctx context.Context) (*Stats, error)
	// Close stops delivery and releases broker resources.
	Close() error
}

// DedupSource answers whether a singleton key already has a live job.
// Backed by the job store in production.
type DedupSource interface {
	HasActiveJob(ctx context.Context, jobID string) (bool, error)
}

// StatsSource supplies durable per-status counts for Stats. Satisfied by
// *jobstore.Storage.
type StatsSource interface {
	CountByStatus(ctx context.Context) (*jobstore.StatusCounts, error)
}
