package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LimiterConfig describes one named dependency limiter.
type LimiterConfig struct {
	// Capacity is the bucket size (maximum burst).
	Capacity int `yaml:"capacity"          json:"capacity"`

	// RefillPerSecond is the sustained token refill rate.
	RefillPerSecond float64 `yaml:"refill_per_second" json:"refill_per_second"`
}

// Group holds one Limiter per named external dependency. Lookups for names
// that were never configured return nil, which callers treat as unlimited.
type Group struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	logger   zerolog.Logger
}

// NewGroup builds a Group from per-dependency configs. Invalid entries are
// skipped with a warning rather than failing the whole group, so one bad
// limiter stanza cannot block a batch.
func NewGroup(configs map[string]LimiterConfig, logger zerolog.Logger) *Group {
	g := &Group{
		limiters: make(map[string]*Limiter, len(configs)),
		logger:   logger,
	}

	for name, cfg := range configs {
		l, err := NewLimiter(cfg.Capacity, cfg.RefillPerSecond)
		if err != nil {
			logger.Warn().
				Str("limiter", name).
				Err(err).
				Msg("skipping invalid rate limiter config")
			continue
		}
		g.limiters[name] = l
	}

	return g
}

// Get returns the limiter for name, or nil when none is configured.
func (g *Group) Get(name string) *Limiter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limiters[name]
}

// Acquire blocks on the named limiter and returns the time waited.
// Unconfigured names pass through immediately.
func (g *Group) Acquire(name string) time.Duration {
	l := g.Get(name)
	if l == nil {
		return 0
	}
	return l.Acquire()
}

// Names returns the configured limiter names.
func (g *Group) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.limiters))
	for name := range g.limiters {
		names = append(names, name)
	}
	return names
}
