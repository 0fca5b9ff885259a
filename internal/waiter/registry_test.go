package waiter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderlab/renderq/internal/backoff"
	"github.com/renderlab/renderq/internal/domain"
	"github.com/renderlab/renderq/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEvents is a hand-rolled notification channel: tests publish events
// directly to registered handlers.
type fakeEvents struct {
	mu       sync.Mutex
	handlers map[int]notify.Handler
	nextID   int
	unsubs   int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{handlers: make(map[int]notify.Handler)}
}

func (f *fakeEvents) Subscribe(channelName string, h notify.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.handlers[id]; ok {
			delete(f.handlers, id)
			f.unsubs++
		}
	}
}

func (f *fakeEvents) emit(evt *domain.NotificationEvent) {
	f.mu.Lock()
	handlers := make([]notify.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

func (f *fakeEvents) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// fakeStore serves GetJobByID from a fixed map.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*domain.Job)}
}

func (f *fakeStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) put(job *domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
}

func fastPollConfig() Config {
	return Config{
		PollPolicy:    backoff.New(5*time.Millisecond, 1, 5*time.Millisecond, 0),
		MaxPollWindow: time.Second,
	}
}

func TestWaitForCompletion_ResolvedByEvent(t *testing.T) {
	events := newFakeEvents()
	store := newFakeStore()
	r := NewRegistry(events, store, fastPollConfig(), testLogger())

	resultCh := make(chan *domain.NotificationEvent, 1)
	go func() {
		evt, err := r.WaitForCompletion(context.Background(), "job-1", time.Second)
		require.NoError(t, err)
		resultCh <- evt
	}()

	// Let the waiter register its subscription.
	require.Eventually(t, func() bool {
		return events.subscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	events.emit(&domain.NotificationEvent{
		JobID:     "job-1",
		Status:    domain.EventStatusCompleted,
		OutputURL: "http://example.com/out",
	})

	select {
	case evt := <-resultCh:
		require.NotNil(t, evt)
		assert.Equal(t, "job-1", evt.JobID)
		assert.Equal(t, domain.EventStatusCompleted, evt.Status)
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestWaitForCompletion_IgnoresOtherJobs(t *testing.T) {
	events := newFakeEvents()
	store := newFakeStore()
	r := NewRegistry(events, store, fastPollConfig(), testLogger())

	done := make(chan *domain.NotificationEvent, 1)
	go func() {
		evt, _ := r.WaitForCompletion(context.Background(), "job-1", 150*time.Millisecond)
		done <- evt
	}()

	require.Eventually(t, func() bool {
		return events.subscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	events.emit(&domain.NotificationEvent{JobID: "job-other", Status: domain.EventStatusCompleted})

	// The foreign event must not settle the waiter; it times out nil.
	evt := <-done
	assert.Nil(t, evt)
}

func TestWaitForCompletion_FallbackPoll(t *testing.T) {
	// No event is ever published; the poll loop must find the terminal row.
	events := newFakeEvents()
	store := newFakeStore()
	store.put(&domain.Job{
		JobID:     "job-1",
		Status:    domain.JobStatusCompleted,
		OutputURL: "http://example.com/out",
	})

	r := NewRegistry(events, store, fastPollConfig(), testLogger())

	evt, err := r.WaitForCompletion(context.Background(), "job-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, domain.EventStatusCompleted, evt.Status)
	assert.Equal(t, "http://example.com/out", evt.OutputURL)
}

func TestWaitForCompletion_FallbackPollFailedJob(t *testing.T) {
	events := newFakeEvents()
	store := newFakeStore()
	store.put(&domain.Job{
		JobID:  "job-1",
		Status: domain.JobStatusFailed,
		Error:  "render exploded",
	})

	r := NewRegistry(events, store, fastPollConfig(), testLogger())

	evt, err := r.WaitForCompletion(context.Background(), "job-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, domain.EventStatusFailed, evt.Status)
	assert.Equal(t, "render exploded", evt.Error)
}

func TestWaitForCompletion_Timeout(t *testing.T) {
	events := newFakeEvents()
	store := newFakeStore()
	store.put(&domain.Job{JobID: "job-1", Status: domain.JobStatusProcessing})

	r := NewRegistry(events, store, fastPollConfig(), testLogger())

	start := time.Now()
	evt, err := r.WaitForCompletion(context.Background(), "job-1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, evt)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForCompletion_ContextCanceled(t *testing.T) {
	events := newFakeEvents()
	store := newFakeStore()
	r := NewRegistry(events, store, fastPollConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	evt, err := r.WaitForCompletion(ctx, "job-1", time.Minute)
	assert.Nil(t, evt)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForCompletion_CleanupAfterResolve(t *testing.T) {
	events := newFakeEvents()
	store := newFakeStore()
	store.put(&domain.Job{JobID: "job-1", Status: domain.JobStatusCompleted})

	r := NewRegistry(events, store, fastPollConfig(), testLogger())

	_, err := r.WaitForCompletion(context.Background(), "job-1", time.Second)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Outstanding())
	assert.Equal(t, 0, events.subscriberCount())
}

func TestRegistry_Shutdown(t *testing.T) {
	events := newFakeEvents()
	store := newFakeStore()
	r := NewRegistry(events, store, fastPollConfig(), testLogger())

	done := make(chan *domain.NotificationEvent, 1)
	go func() {
		evt, err := r.WaitForCompletion(context.Background(), "job-1", time.Minute)
		require.NoError(t, err)
		done <- evt
	}()

	require.Eventually(t, func() bool {
		return r.Outstanding() == 1
	}, time.Second, 5*time.Millisecond)

	r.Shutdown()

	select {
	case evt := <-done:
		assert.Nil(t, evt, "shutdown resolves waiters with nil")
	case <-time.After(time.Second):
		t.Fatal("waiter hung through shutdown")
	}

	// New waits after shutdown resolve immediately.
	evt, err := r.WaitForCompletion(context.Background(), "job-2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, evt)
	assert.Equal(t, 0, r.Outstanding())
}
