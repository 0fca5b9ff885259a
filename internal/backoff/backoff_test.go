package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay_Growth(t *testing.T) {
	p := New(time.Second, 2, time.Minute, 0)

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first retry", attempt: 1, want: time.Second},
		{name: "second retry doubles", attempt: 2, want: 2 * time.Second},
		{name: "third retry doubles again", attempt: 3, want: 4 * time.Second},
		{name: "sixth retry", attempt: 6, want: 32 * time.Second},
		{name: "growth stops at cap", attempt: 7, want: time.Minute},
		{name: "far past cap stays at cap", attempt: 50, want: time.Minute},
		{name: "zero attempt treated as first", attempt: 0, want: time.Second},
		{name: "negative attempt treated as first", attempt: -3, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.attempt))
		})
	}
}

func TestPolicy_Delay_ConstantWhenFactorNotAboveOne(t *testing.T) {
	p := New(3*time.Second, 1, time.Minute, 0)

	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 3*time.Second, p.Delay(attempt))
	}
}

func TestPolicy_Delay_JitterBounds(t *testing.T) {
	p := New(10*time.Second, 2, time.Minute, 0.2)

	// Attempt 2 without jitter would be exactly 20s; with 20% jitter every
	// sample must land in [16s, 24s].
	lo := 16 * time.Second
	hi := 24 * time.Second

	for i := 0; i < 200; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestPolicy_Delay_NeverNegative(t *testing.T) {
	p := New(time.Millisecond, 1, 0, 1.0)

	for i := 0; i < 100; i++ {
		assert.GreaterOrEqual(t, p.Delay(1), time.Duration(0))
	}
}

func TestPresets(t *testing.T) {
	t.Run("queue retry", func(t *testing.T) {
		p := QueueRetry()
		assert.Equal(t, 5*time.Second, p.Base)
		assert.Equal(t, 5*time.Minute, p.Cap)
	})

	t.Run("reconnect caps at 30s", func(t *testing.T) {
		p := Reconnect()
		limit := float64(30*time.Second) * 1.1
		assert.LessOrEqual(t, p.Delay(20), time.Duration(limit)+time.Nanosecond)
	})

	t.Run("poll grows without jitter", func(t *testing.T) {
		p := Poll()
		assert.Equal(t, 5*time.Second, p.Delay(1))
		assert.Greater(t, p.Delay(2), p.Delay(1))
		assert.Equal(t, time.Minute, p.Delay(30))
	})
}
