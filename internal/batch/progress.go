package batch

import (
	"sync"
	"time"
)

// ProgressFunc is an optional callback invoked after each processed or
// skipped item, for UI updates or logging. It receives an immutable
// snapshot; implementations must not block for long since workers call it
// inline.
type ProgressFunc func(ProgressSnapshot)

// ProgressSnapshot is a point-in-time copy of batch progress.
type ProgressSnapshot struct {
	// TotalItems is the number of items that will be dispatched (after
	// registry filtering and the dry-run limit).
	TotalItems int

	// Processed is the number of dispatched items that have finished.
	Processed int

	// Succeeded and Failed partition Processed.
	Succeeded int
	Failed    int

	// Skipped counts items filtered out by the registry.
	Skipped int

	// TotalChunks and ProcessedChunks track chunk boundaries.
	TotalChunks     int
	ProcessedChunks int

	// CostDisplay is the meter's compact "$spent/$limit" string.
	CostDisplay string

	// Elapsed is the time since dispatch began.
	Elapsed time.Duration
}

// PercentDone returns completion as a 0-100 percentage.
func (s ProgressSnapshot) PercentDone() float64 {
	if s.TotalItems == 0 {
		return 0
	}
	return float64(s.Processed) / float64(s.TotalItems) * 100
}

// progress is the orchestrator's internal mutable progress state.
type progress struct {
	mu        sync.Mutex
	snapshot  ProgressSnapshot
	startTime time.Time
}

func newProgress(totalItems, totalChunks, skipped int) *progress {
	return &progress{
		snapshot: ProgressSnapshot{
			TotalItems:  totalItems,
			TotalChunks: totalChunks,
			Skipped:     skipped,
		},
		startTime: time.Now(),
	}
}

// itemDone records one finished item and returns the updated snapshot.
func (p *progress) itemDone(succeeded bool, costDisplay string) ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshot.Processed++
	if succeeded {
		p.snapshot.Succeeded++
	} else {
		p.snapshot.Failed++
	}
	p.snapshot.CostDisplay = costDisplay
	p.snapshot.Elapsed = time.Since(p.startTime)
	return p.snapshot
}

// chunkDone records a completed chunk boundary.
func (p *progress) chunkDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.ProcessedChunks++
}

// current returns the latest snapshot.
func (p *progress) current() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.snapshot
	snap.Elapsed = time.Since(p.startTime)
	return snap
}
