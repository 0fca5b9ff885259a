// Package waiter resolves "block until job X settles" requests from
// whichever of {push notification, fallback poll, timeout, shutdown} fires
// first. The losers are cancelled so no timers or handler registrations leak.
package waiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/renderlab/renderq/internal/backoff"
	"github.com/renderlab/renderq/internal/domain"
	"github.com/renderlab/renderq/internal/notify"
)

// EventSource is the notification subscription surface the registry needs.
// Satisfied by *notify.Channel.
type EventSource interface {
	Subscribe(channelName string, h notify.Handler) func()
}

// JobGetter is the fallback-poll surface. Satisfied by *jobstore.Storage.
type JobGetter interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
}

// Config holds waiter registry settings.
type Config struct {
	// PollPolicy paces the fallback poll loop.
	PollPolicy backoff.Policy
	// MaxPollWindow bounds total polling per wait.
	MaxPollWindow time.Duration
}

// Registry is the process-local completion waiter bookkeeping.
type Registry struct {
	events EventSource
	store  JobGetter
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	waiters  map[int]func()
	nextID   int
	shutdown bool
}

// NewRegistry creates a waiter registry.
func NewRegistry(events EventSource, store JobGetter, cfg Config, logger *slog.Logger) *Registry {
	if cfg.PollPolicy.Base == 0 {
		cfg.PollPolicy = backoff.Poll()
	}
	if cfg.MaxPollWindow <= 0 {
		cfg.MaxPollWindow = 15 * time.Minute
	}

	return &Registry{
		events:  events,
		store:   store,
		config:  cfg,
		logger:  logger,
		waiters: make(map[int]func()),
	}
}

// WaitForCompletion blocks until the job reaches a terminal state, the
// timeout elapses, or the registry shuts down. A nil event with nil error
// means "still unknown, try again later"; callers are never left hanging.
func (r *Registry) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*domain.NotificationEvent, error) {
	result := make(chan *domain.NotificationEvent, 1)
	var once sync.Once
	settle := func(evt *domain.NotificationEvent) {
		once.Do(func() {
			result <- evt
		})
	}

	id, ok := r.register(settle)
	if !ok {
		return nil, nil // already shut down
	}
	defer r.deregister(id)

	// Path 1: push notification.
	unsubscribe := r.events.Subscribe(domain.ChannelJobCompleted, func(evt *domain.NotificationEvent) {
		if evt.JobID == jobID {
			settle(evt)
		}
	})
	defer unsubscribe()

	// Path 2: fallback poll, in case the notification was lost.
	pollDone := make(chan struct{})
	defer close(pollDone)
	go r.poll(ctx, jobID, settle, pollDone)

	// Path 3: timeout.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt := <-result:
		return evt, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// poll checks the job store directly with its own backoff until the waiter
// settles or the poll window closes.
func (r *Registry) poll(ctx context.Context, jobID string, settle func(*domain.NotificationEvent), done <-chan struct{}) {
	deadline := time.Now().Add(r.config.MaxPollWindow)

	for attempt := 1; time.Now().Before(deadline); attempt++ {
		delay := r.config.PollPolicy.Delay(attempt)

		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		job, err := r.store.GetJobByID(ctx, jobID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrJobNotFound) {
				return
			}
			r.logger.Warn("Fallback poll failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if evt := domain.EventFromJob(job); evt != nil {
			r.logger.Debug("Fallback poll observed terminal job",
				slog.String("job_id", jobID),
				slog.String("status", evt.Status),
			)
			settle(evt)
			return
		}
	}
}

// register records the waiter's settle function for shutdown resolution.
func (r *Registry) register(settle func(*domain.NotificationEvent)) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return 0, false
	}
	r.nextID++
	id := r.nextID
	r.waiters[id] = func() { settle(nil) }
	return id, true
}

func (r *Registry) deregister(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, id)
}

// Outstanding returns the number of waiters currently registered
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Shutdown resolves every outstanding waiter with nil so callers observe
// forward progress instead of hanging through process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	resolvers := make([]func(), 0, len(r.waiters))
	for _, resolve := range r.waiters {
		resolvers = append(resolvers, resolve)
	}
	r.shutdown = true
	r.waiters = make(map[int]func())
	r.mu.Unlock()

	for _, resolve := range resolvers {
		resolve()
	}

	if len(resolvers) > 0 {
		r.logger.Info("Resolved outstanding waiters on shutdown",
			slog.Int("count", len(resolvers)),
		)
	}
}
