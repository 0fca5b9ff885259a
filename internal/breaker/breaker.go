// Package breaker implements a three-state circuit breaker wrapped around
// queue submissions, so a struggling datastore or broker fails fast instead
// of cascading into unbounded client-side retries.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/renderlab/renderq/internal/domain"
)

// State of the breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Breaker guards one protected resource. Create one per resource; all state
// changes happen inside Execute under the mutex.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	logger           *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// New creates a closed breaker.
func New(name string, failureThreshold int, resetTimeout time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
		state:            StateClosed,
	}
}

// Execute runs op through the breaker. When open it returns
// domain.ErrCircuitOpen without invoking op; when half-open exactly one
// caller gets the trial slot and everyone else fails fast.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err)
	return err
}

// allow decides whether a call may proceed, advancing OPEN → HALF_OPEN when
// the cooldown has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			return domain.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return domain.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// record applies the call outcome to breaker state.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	b.probing = false

	switch b.state {
	case StateHalfOpen:
		// Trial failed, restart the cooldown clock.
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) transition(next State) {
	b.logger.Warn("Circuit breaker state change",
		slog.String("breaker", b.name),
		slog.String("from", string(b.state)),
		slog.String("to", string(next)),
		slog.Int("failures", b.failures),
	)
	b.state = next
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
