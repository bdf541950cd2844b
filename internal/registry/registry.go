// Package registry tracks per-item processing history so unchanged,
// previously successful items can be skipped on re-runs. The full record
// set lives in memory; every mutation is written through to the Store
// immediately. Persistence failures degrade to warnings — this component
// never fails a batch.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry maps item identity to its last processing outcome.
type Registry struct {
	mu      sync.Mutex
	records map[string]Record
	store   Store
	logger  zerolog.Logger
	now     func() time.Time
}

// New loads a registry from store. A missing, corrupt, or incompatible
// backing store is logged and treated as an empty registry.
func New(store Store, logger zerolog.Logger) *Registry {
	records, err := store.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load registry, starting empty")
		records = map[string]Record{}
	} else if len(records) > 0 {
		logger.Info().Int("items", len(records)).Msg("loaded registry")
	}

	return &Registry{
		records: records,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// NeedsProcessing decides whether the item must be (re)processed and why.
// Decision order: forced, unknown identity, changed inputs, failed last
// attempt; otherwise the item is up to date and can be skipped.
func (r *Registry) NeedsProcessing(identity string, payload map[string]string, force bool) (bool, string) {
	if force {
		return true, ReasonForced
	}

	currentHash := CanonicalHash(payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[identity]
	if !ok {
		return true, ReasonNewItem
	}
	if record.LastInputHash != currentHash {
		return true, ReasonInputsChanged
	}
	if record.Status == StatusFailed {
		return true, ReasonRetryFailed
	}
	return false, ReasonAlreadyProcessed
}

// RecordSuccess stores a successful attempt for the item and writes the
// registry through to the store.
func (r *Registry) RecordSuccess(identity string, payload map[string]string, runID string, outputs map[string]string) {
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[identity] = Record{
		LastInputHash: CanonicalHash(payload),
		Status:        StatusSuccess,
		LastSuccessAt: &now,
		LastRunID:     runID,
		Outputs:       outputs,
	}
	r.saveLocked()
}

// RecordFailure stores a failed attempt for the item, preserving any prior
// success timestamp, and writes the registry through to the store.
func (r *Registry) RecordFailure(identity string, payload map[string]string, runID, errMsg string) {
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	record := Record{
		LastInputHash: CanonicalHash(payload),
		Status:        StatusFailed,
		LastFailureAt: &now,
		LastRunID:     runID,
		LastError:     truncateError(errMsg),
	}
	if prior, ok := r.records[identity]; ok {
		record.LastSuccessAt = prior.LastSuccessAt
	}
	r.records[identity] = record
	r.saveLocked()
}

// Get returns the record for identity, if any.
func (r *Registry) Get(identity string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[identity]
	return record, ok
}

// Stats returns counts of tracked, successful, and failed items.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Total: len(r.records)}
	for _, record := range r.records {
		switch record.Status {
		case StatusSuccess:
			stats.Success++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Reset drops all records and persists the empty registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = map[string]Record{}
	r.saveLocked()
	r.logger.Info().Msg("registry reset")
}

// saveLocked writes the current record set through to the store. Failures
// are logged; processing continues with degraded persistence. Caller must
// hold mu.
func (r *Registry) saveLocked() {
	if err := r.store.Save(r.records); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist registry")
	}
}
