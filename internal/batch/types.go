// Package batch implements the chunked batch orchestrator: it filters work
// items through the registry, splits the remainder into fixed-size chunks,
// dispatches each chunk across a bounded worker pool, and checkpoints
// cumulative progress between chunks.
package batch

import (
	"context"
	"errors"
)

// Default orchestration configuration.
const (
	DefaultWorkers   = 8
	DefaultChunkSize = 50

	MinWorkers   = 1
	MaxWorkers   = 64
	MinChunkSize = 1
	MaxChunkSize = 1000
)

// Orchestration errors. ErrFatalJob and cost.ErrBudgetExceeded are the only
// errors that cross the Run boundary; per-item failures are absorbed into
// the summary.
var (
	ErrInvalidWorkers   = errors.New("worker count must be between 1 and 64")
	ErrInvalidChunkSize = errors.New("chunk size must be between 1 and 1000")
	ErrNilSource        = errors.New("item source cannot be nil")
	ErrNilJob           = errors.New("job function cannot be nil")
	ErrFatalJob         = errors.New("job returned a fatal outcome")
)

// Stop reasons reported in the run summary.
const (
	StopReasonBudget = "budget"
	StopReasonFatal  = "fatal_error"
)

// WorkItem is one unit of work. Identity must be unique within a batch;
// Payload holds the opaque fields that feed the canonical input hash.
type WorkItem struct {
	Identity string            `json:"identity"`
	Payload  map[string]string `json:"payload"`
}

// Source supplies the finite, ordered item list for one invocation.
type Source interface {
	Items(ctx context.Context) ([]WorkItem, error)
}

// SliceSource adapts a fixed slice to the Source interface.
type SliceSource []WorkItem

// Items returns the underlying slice.
func (s SliceSource) Items(_ context.Context) ([]WorkItem, error) {
	return s, nil
}

// OutcomeStatus classifies a job result.
type OutcomeStatus int

// Job outcome classes. Fatal aborts the whole batch after the current
// chunk drains; Failure only fails the one item.
const (
	StatusSuccess OutcomeStatus = iota
	StatusFailure
	StatusFatal
)

// Outcome is the result of processing one item. Jobs report metered usage
// separately through the cost meter; the outcome only classifies the
// result and carries output references or an error message.
type Outcome struct {
	Status  OutcomeStatus
	Outputs map[string]string
	Err     string
}

// Success builds a successful outcome carrying output references.
func Success(outputs map[string]string) Outcome {
	return Outcome{Status: StatusSuccess, Outputs: outputs}
}

// Failure builds a recoverable per-item failure.
func Failure(errMsg string) Outcome {
	return Outcome{Status: StatusFailure, Err: errMsg}
}

// Fatal builds an outcome that aborts the entire batch.
func Fatal(errMsg string) Outcome {
	return Outcome{Status: StatusFatal, Err: errMsg}
}

// JobFunc processes a single item. Implementations are expected to perform
// blocking, rate-limited network calls and to report usage to the cost
// meter as they go. Timeouts, if needed, live inside the job and surface
// as a Failure outcome.
type JobFunc func(ctx context.Context, item WorkItem) Outcome

// State tracks the orchestrator lifecycle, mainly for logging and tests.
type State int

// Orchestrator states in transition order.
const (
	StatePending State = iota
	StateLoadingItems
	StateChunking
	StateDispatching
	StateAwaitingWorkers
	StateCheckpointing
	StateDone
	StateAborted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLoadingItems:
		return "loading_items"
	case StateChunking:
		return "chunking"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingWorkers:
		return "awaiting_workers"
	case StateCheckpointing:
		return "checkpointing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
