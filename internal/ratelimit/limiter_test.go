package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a limiter deterministically: sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	current time.Time
	slept   []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.current = c.current.Add(d)
}

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestLimiter(t *testing.T, capacity int, refillRate float64) (*Limiter, *fakeClock) {
	t.Helper()
	l, err := NewLimiter(capacity, refillRate)
	require.NoError(t, err)
	clock := newFakeClock()
	l.now = clock.now
	l.sleep = clock.sleep
	l.lastRefill = clock.now()
	return l, clock
}

func TestNewLimiter_Validation(t *testing.T) {
	t.Run("ZeroCapacity", func(t *testing.T) {
		_, err := NewLimiter(0, 1.0)
		assert.ErrorIs(t, err, ErrInvalidCapacity)
	})

	t.Run("NegativeRefill", func(t *testing.T) {
		_, err := NewLimiter(5, -1.0)
		assert.ErrorIs(t, err, ErrInvalidRefillRate)
	})

	t.Run("Valid", func(t *testing.T) {
		l, err := NewLimiter(5, 2.0)
		require.NoError(t, err)
		assert.InDelta(t, 5.0, l.Stats().Tokens, 1e-9)
	})
}

func TestLimiter_BurstThenWait(t *testing.T) {
	const capacity = 5
	const refillRate = 2.0 // tokens per second

	l, clock := newTestLimiter(t, capacity, refillRate)

	// The first C acquires drain the full bucket without waiting.
	for i := 0; i < capacity; i++ {
		waited := l.Acquire()
		assert.Equal(t, time.Duration(0), waited, "call %d should not wait", i)
	}

	// The (C+1)-th call finds an empty bucket and waits one full token,
	// i.e. 1/R seconds.
	waited := l.Acquire()
	assert.InDelta(t, (time.Second / 2).Seconds(), waited.Seconds(), 0.01)
	require.Len(t, clock.slept, 1)
}

func TestLimiter_RefillCappedAtCapacity(t *testing.T) {
	l, clock := newTestLimiter(t, 3, 1.0)

	l.Acquire()
	l.Acquire()

	// A long idle period must not accumulate beyond capacity.
	clock.advance(time.Hour)
	l.Acquire()

	stats := l.Stats()
	assert.LessOrEqual(t, stats.Tokens, stats.Capacity)
	assert.InDelta(t, 2.0, stats.Tokens, 1e-9)
}

func TestLimiter_PartialRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 2, 4.0)

	l.Acquire()
	l.Acquire()

	// After 125ms at 4 tokens/s the bucket holds 0.5 tokens; the deficit of
	// 0.5 tokens costs 125ms of waiting.
	clock.advance(125 * time.Millisecond)
	waited := l.Acquire()
	assert.InDelta(t, 0.125, waited.Seconds(), 0.001)
}

func TestLimiter_Stats(t *testing.T) {
	l, _ := newTestLimiter(t, 2, 10.0)

	l.Acquire()
	l.Acquire()
	l.Acquire() // waits 100ms

	stats := l.Stats()
	assert.Equal(t, int64(3), stats.TotalCalls)
	assert.InDelta(t, 0.1, stats.TotalWait.Seconds(), 0.001)
	assert.InDelta(t, 0.1/3.0, stats.AvgWait().Seconds(), 0.001)

	l.ResetStats()
	stats = l.Stats()
	assert.Equal(t, int64(0), stats.TotalCalls)
	assert.Equal(t, time.Duration(0), stats.TotalWait)
}

func TestLimiter_ConcurrentAcquire(t *testing.T) {
	l, err := NewLimiter(100, 1000.0)
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 10; j++ {
				l.Acquire()
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	stats := l.Stats()
	assert.Equal(t, int64(100), stats.TotalCalls)
	assert.LessOrEqual(t, stats.Tokens, stats.Capacity)
}

func TestGroup(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("ConfiguredAndUnknown", func(t *testing.T) {
		g := NewGroup(map[string]LimiterConfig{
			"search": {Capacity: 10, RefillPerSecond: 5.0},
		}, logger)

		assert.NotNil(t, g.Get("search"))
		assert.Nil(t, g.Get("unknown"))

		// Unknown names pass through without waiting.
		assert.Equal(t, time.Duration(0), g.Acquire("unknown"))
	})

	t.Run("InvalidEntrySkipped", func(t *testing.T) {
		g := NewGroup(map[string]LimiterConfig{
			"good": {Capacity: 5, RefillPerSecond: 1.0},
			"bad":  {Capacity: 0, RefillPerSecond: 1.0},
		}, logger)

		assert.NotNil(t, g.Get("good"))
		assert.Nil(t, g.Get("bad"))
		assert.Len(t, g.Names(), 1)
	})
}
