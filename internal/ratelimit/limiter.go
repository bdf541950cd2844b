// Package ratelimit provides a token-bucket rate limiter for metered
// external dependencies. One Limiter is shared by every worker calling a
// given dependency, so the configured rate holds regardless of worker count.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Limits on limiter construction parameters.
const (
	MinCapacity   = 1
	MinRefillRate = 0.001 // tokens per second
)

// Limiter construction errors.
var (
	ErrInvalidCapacity   = errors.New("limiter capacity must be at least 1")
	ErrInvalidRefillRate = errors.New("limiter refill rate must be positive")
)

// Stats reports cumulative limiter activity.
type Stats struct {
	// TotalCalls is the number of Acquire calls completed.
	TotalCalls int64

	// TotalWait is the cumulative time spent blocked in Acquire.
	TotalWait time.Duration

	// Tokens is the token count at the time of the snapshot.
	Tokens float64

	// Capacity is the configured bucket capacity.
	Capacity float64
}

// AvgWait returns the mean wait per call, or zero before the first call.
func (s Stats) AvgWait() time.Duration {
	if s.TotalCalls == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.TotalCalls)
}

// Limiter is a thread-safe token bucket. The bucket starts full at capacity
// and refills at refillRate tokens per second, capped at capacity. Acquire
// blocks when no whole token is available. All state is guarded by a single
// mutex; callers waiting for refill therefore serialize in lock-acquisition
// order, which is the only fairness offered.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	totalCalls int64
	totalWait  time.Duration

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewLimiter creates a token-bucket limiter with the given capacity and
// refill rate in tokens per second. The bucket starts full.
func NewLimiter(capacity int, refillRate float64) (*Limiter, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	if refillRate < MinRefillRate {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidRefillRate, refillRate)
	}

	l := &Limiter{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		now:        time.Now,
		sleep:      time.Sleep,
	}
	l.lastRefill = l.now()
	return l, nil
}

// Acquire consumes one token, blocking until one is available, and returns
// the time spent waiting. The wait for a deficit d is d/refillRate.
func (l *Limiter) Acquire() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	var waited time.Duration
	if l.tokens < 1.0 {
		deficit := 1.0 - l.tokens
		waited = time.Duration(deficit / l.refillRate * float64(time.Second))
		l.sleep(waited)
		l.tokens = 1.0
		l.lastRefill = l.now()
	}

	l.tokens--
	l.totalCalls++
	l.totalWait += waited
	return waited
}

// refillLocked adds tokens for the time elapsed since the last refill,
// capped at capacity. Caller must hold mu.
func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens = min(l.capacity, l.tokens+elapsed*l.refillRate)
	}
	l.lastRefill = now
}

// Stats returns a snapshot of cumulative limiter activity.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalCalls: l.totalCalls,
		TotalWait:  l.totalWait,
		Tokens:     l.tokens,
		Capacity:   l.capacity,
	}
}

// ResetStats zeroes the call and wait counters. Token state is untouched.
func (l *Limiter) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalCalls = 0
	l.totalWait = 0
}
