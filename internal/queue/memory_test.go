package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveDelivery(t *testing.T, m *MemoryBackend) Delivery {
	t.Helper()
	select {
	case d := <-m.Deliveries():
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func assertNoDelivery(t *testing.T, m *MemoryBackend) {
	t.Helper()
	select {
	case d := <-m.Deliveries():
		t.Fatalf("unexpected delivery for job %s", d.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBackend_EnqueueDelivers(t *testing.T) {
	m := NewMemoryBackend(8)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, Options{}))

	d := receiveDelivery(t, m)
	assert.Equal(t, "job-1", d.JobID)
	assert.False(t, d.EnqueuedAt.IsZero())
}

func TestMemoryBackend_SingletonDedup(t *testing.T) {
	m := NewMemoryBackend(8)
	defer m.Close()
	ctx := context.Background()

	opts := Options{SingletonKey: "job-1"}
	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, opts))
	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, opts))

	d := receiveDelivery(t, m)
	assert.Equal(t, "job-1", d.JobID)
	assertNoDelivery(t, m)

	// Settling the delivery releases the key for the next enqueue.
	require.NoError(t, m.Ack(d.Tag))
	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, opts))
	assert.Equal(t, "job-1", receiveDelivery(t, m).JobID)
}

func TestMemoryBackend_AckUnknownTag(t *testing.T) {
	m := NewMemoryBackend(8)
	defer m.Close()

	assert.Error(t, m.Ack(999))
	assert.Error(t, m.Nack(999, true))
}

func TestMemoryBackend_NackRequeue(t *testing.T) {
	m := NewMemoryBackend(8)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, Options{}))
	d := receiveDelivery(t, m)

	require.NoError(t, m.Nack(d.Tag, true))

	redelivered := receiveDelivery(t, m)
	assert.Equal(t, "job-1", redelivered.JobID)
	assert.NotEqual(t, d.Tag, redelivered.Tag)
}

func TestMemoryBackend_NackDrop(t *testing.T) {
	m := NewMemoryBackend(8)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, Options{SingletonKey: "job-1"}))
	d := receiveDelivery(t, m)

	require.NoError(t, m.Nack(d.Tag, false))
	assertNoDelivery(t, m)

	// Dropping releases the singleton key.
	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, Options{SingletonKey: "job-1"}))
	assert.Equal(t, "job-1", receiveDelivery(t, m).JobID)
}

func TestMemoryBackend_ScheduleRetry(t *testing.T) {
	m := NewMemoryBackend(8)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.ScheduleRetry(ctx, Message{JobID: "job-1"}, 10*time.Millisecond))

	d := receiveDelivery(t, m)
	assert.Equal(t, "job-1", d.JobID)
}

func TestMemoryBackend_ExpiryStamped(t *testing.T) {
	m := NewMemoryBackend(8)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, Options{ExpireIn: time.Hour}))

	d := receiveDelivery(t, m)
	require.NotNil(t, d.ExpiresAt)
	assert.False(t, d.Expired(time.Now()))
	assert.True(t, d.Expired(time.Now().Add(2*time.Hour)))
}

func TestMemoryBackend_StatsTracksOutcomes(t *testing.T) {
	m := NewMemoryBackend(8)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-1"}, Options{}))
	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-2"}, Options{}))
	require.NoError(t, m.Enqueue(ctx, Message{JobID: "job-3"}, Options{}))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Pending: 3}, stats)

	d1 := receiveDelivery(t, m)
	d2 := receiveDelivery(t, m)

	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Pending: 1, Active: 2}, stats)

	require.NoError(t, m.Ack(d1.Tag))
	require.NoError(t, m.Nack(d2.Tag, false))

	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Pending: 1, Completed: 1, Failed: 1}, stats)
}

func TestMemoryBackend_CloseStopsEnqueue(t *testing.T) {
	m := NewMemoryBackend(8)
	require.NoError(t, m.Close())

	assert.Error(t, m.Enqueue(context.Background(), Message{JobID: "job-1"}, Options{}))
	assert.Error(t, m.ScheduleRetry(context.Background(), Message{JobID: "job-1"}, time.Millisecond))

	// Close is idempotent.
	assert.NoError(t, m.Close())

	// Delivery channel is closed.
	_, open := <-m.Deliveries()
	assert.False(t, open)
}

func TestMessage_Expired(t *testing.T) {
	now := time.Now()

	t.Run("no expiry never expires", func(t *testing.T) {
		msg := Message{JobID: "job-1"}
		assert.False(t, msg.Expired(now.Add(1000*time.Hour)))
	})

	t.Run("before deadline", func(t *testing.T) {
		deadline := now.Add(time.Minute)
		msg := Message{JobID: "job-1", ExpiresAt: &deadline}
		assert.False(t, msg.Expired(now))
	})

	t.Run("after deadline", func(t *testing.T) {
		deadline := now.Add(-time.Minute)
		msg := Message{JobID: "job-1", ExpiresAt: &deadline}
		assert.True(t, msg.Expired(now))
	})
}
