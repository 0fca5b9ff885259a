package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend implements Backend in process, for tests and local runs
// without a broker. It honors the same contract as the RabbitMQ adapter:
// singleton dedup, exclusive delivery, delayed retry re-announcement.
type MemoryBackend struct {
	mu         sync.Mutex
	active     map[string]bool   // live singleton keys
	inflight   map[uint64]Message // delivered, not yet acked
	nextTag    uint64
	deliveries chan Delivery
	timers     []*time.Timer
	completed  int
	failed     int
	closed     bool
}

// NewMemoryBackend creates an in-memory queue with the given buffer size.
func NewMemoryBackend(buffer int) *MemoryBackend {
	return &MemoryBackend{
		active:     make(map[string]bool),
		inflight:   make(map[uint64]Message),
		deliveries: make(chan Delivery, buffer),
	}
}

// Enqueue delivers the message unless its singleton key is already live
func (m *MemoryBackend) Enqueue(_ context.Context, msg Message, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("queue backend is closed")
	}

	if opts.SingletonKey != "" && m.active[opts.SingletonKey] {
		return nil
	}

	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	if opts.ExpireIn > 0 && msg.ExpiresAt == nil {
		expires := msg.EnqueuedAt.Add(opts.ExpireIn)
		msg.ExpiresAt = &expires
	}

	if opts.SingletonKey != "" {
		m.active[opts.SingletonKey] = true
	}
	m.deliverLocked(msg)
	return nil
}

func (m *MemoryBackend) deliverLocked(msg Message) {
	m.nextTag++
	tag := m.nextTag
	m.inflight[tag] = msg

	select {
	case m.deliveries <- Delivery{Message: msg, Tag: tag}:
	default:
		// Buffer full; drop the in-process announcement. Durable state is
		// unaffected, the sweeper re-announces.
		delete(m.inflight, tag)
	}
}

// Deliveries returns the delivery stream
func (m *MemoryBackend) Deliveries() <-chan Delivery {
	return m.deliveries
}

// Ack settles a delivery and releases its singleton key
func (m *MemoryBackend) Ack(tag uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.inflight[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(m.inflight, tag)
	delete(m.active, msg.JobID)
	m.completed++
	return nil
}

// Nack settles a delivery, optionally redelivering it immediately
func (m *MemoryBackend) Nack(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.inflight[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(m.inflight, tag)

	if requeue && !m.closed {
		m.deliverLocked(msg)
		return nil
	}

	delete(m.active, msg.JobID)
	m.failed++
	return nil
}

// ScheduleRetry re-delivers the message after the delay
func (m *MemoryBackend) ScheduleRetry(_ context.Context, msg Message, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("queue backend is closed")
	}

	t := time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		m.active[msg.JobID] = true
		m.deliverLocked(msg)
	})
	m.timers = append(m.timers, t)
	return nil
}

// Stats reports in-process counters: pending is the buffered, unconsumed
// announcements; active is delivered but not yet settled.
func (m *MemoryBackend) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := len(m.deliveries)
	return &Stats{
		Pending:   pending,
		Active:    len(m.inflight) - pending,
		Completed: m.completed,
		Failed:    m.failed,
	}, nil
}

// Close stops timers and closes the delivery stream
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	close(m.deliveries)
	return nil
}
