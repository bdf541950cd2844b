package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rshade/batchmeter/internal/checkpoint"
	"github.com/rshade/batchmeter/internal/cost"
	"github.com/rshade/batchmeter/internal/ratelimit"
	"github.com/rshade/batchmeter/internal/registry"
	"github.com/rshade/batchmeter/internal/runlog"
)

// Pre-flight estimate defaults, used only for the log-line projections
// printed before dispatch.
const (
	defaultSecondsPerItem = 40.0
	defaultCostPerItem    = 0.05
)

// Config holds orchestration tunables.
type Config struct {
	// Workers bounds concurrent job executions within a chunk.
	Workers int `yaml:"workers"    json:"workers"`

	// ChunkSize bounds the items dispatched between checkpoints.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`

	// Force reprocesses every item regardless of registry state.
	Force bool `yaml:"force"      json:"force"`

	// Limit, when positive, truncates the item list for dry runs.
	Limit int `yaml:"limit"      json:"limit"`

	// AcquireLimiters names the rate limiters each worker acquires one
	// token from before invoking the job.
	AcquireLimiters []string `yaml:"acquire_limiters" json:"acquire_limiters"`

	// SecondsPerItemEstimate and CostPerItemEstimate feed the pre-flight
	// projections logged before dispatch. Zero selects the defaults.
	SecondsPerItemEstimate float64 `yaml:"seconds_per_item_estimate" json:"seconds_per_item_estimate"`
	CostPerItemEstimate    float64 `yaml:"cost_per_item_estimate"    json:"cost_per_item_estimate"`
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.Workers < MinWorkers || c.Workers > MaxWorkers {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, c.Workers)
	}
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: got %d", ErrInvalidChunkSize, c.ChunkSize)
	}
	return nil
}

// Deps wires the orchestrator's collaborators. Source and Job are the
// external collaborators; the rest are owned components. Limiters and
// OnProgress are optional.
type Deps struct {
	Source      Source
	Job         JobFunc
	Registry    *registry.Registry
	Meter       *cost.Meter
	RunLog      *runlog.Logger
	Checkpoints *checkpoint.Writer
	Limiters    *ratelimit.Group
	OnProgress  ProgressFunc
	Logger      zerolog.Logger
}

// Summary is the caller-visible result of a batch run. It is returned even
// when Run also returns an error; on abort it is the partial summary up to
// the last drained chunk.
type Summary struct {
	BatchID    string             `json:"batch_id"`
	TotalItems int                `json:"total_items"`
	Processed  int                `json:"processed"`
	Results    checkpoint.Results `json:"results"`
	StopReason string             `json:"stop_reason,omitempty"`
	Elapsed    time.Duration      `json:"elapsed"`
	Cost       cost.Snapshot      `json:"cost"`

	// Artifact locations for the operator.
	CheckpointPath    string `json:"checkpoint_path"`
	DailyLogPath      string `json:"daily_log_path"`
	StructuredLogPath string `json:"structured_log_path"`
}

// Orchestrator coordinates one batch run. It is single-use: create a new
// instance per invocation.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	state atomic.Int32

	fatalMu  sync.Mutex
	fatalMsg string
	fatal    atomic.Bool
}

// New validates configuration and dependencies and returns an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, ErrNilSource
	}
	if deps.Job == nil {
		return nil, ErrNilJob
	}
	if cfg.SecondsPerItemEstimate <= 0 {
		cfg.SecondsPerItemEstimate = defaultSecondsPerItem
	}
	if cfg.CostPerItemEstimate <= 0 {
		cfg.CostPerItemEstimate = defaultCostPerItem
	}

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "batch").Logger(),
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.logger.Debug().Str("state", s.String()).Msg("state transition")
}

// Run drives the batch to completion. Per-item failures are absorbed into
// the summary; only a fatal job outcome or an exceeded budget cross this
// boundary as errors, and in both cases the returned summary covers every
// chunk that drained.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	startTime := time.Now()
	summary := &Summary{
		BatchID:           o.deps.RunLog.BatchID(),
		CheckpointPath:    o.deps.Checkpoints.LatestPath(),
		DailyLogPath:      o.deps.RunLog.DailyPath(),
		StructuredLogPath: o.deps.RunLog.StructuredPath(),
	}
	finish := func() {
		summary.Elapsed = time.Since(startTime)
		summary.Cost = o.deps.Meter.Snapshot()
	}

	o.setState(StateLoadingItems)
	items, err := o.deps.Source.Items(ctx)
	if err != nil {
		o.setState(StateAborted)
		finish()
		return summary, fmt.Errorf("load items: %w", err)
	}

	if o.cfg.Limit > 0 && len(items) > o.cfg.Limit {
		o.logger.Info().Int("limit", o.cfg.Limit).Msg("item limit applied")
		items = items[:o.cfg.Limit]
	}
	summary.TotalItems = len(items)

	if len(items) == 0 {
		o.logger.Warn().Msg("no items from source")
		o.setState(StateDone)
		finish()
		return summary, nil
	}

	stats := o.deps.Registry.Stats()
	o.logger.Info().
		Int("items", len(items)).
		Int("registry_total", stats.Total).
		Int("registry_success", stats.Success).
		Int("registry_failed", stats.Failed).
		Bool("force", o.cfg.Force).
		Msg("batch starting")

	pending := o.filterItems(items, summary)
	o.logger.Info().
		Int("to_process", len(pending)).
		Int("skipped", len(summary.Results.Skipped)).
		Msg("registry filter applied")

	if len(pending) == 0 {
		o.logger.Info().Msg("all items up to date, nothing to process")
		o.setState(StateDone)
		finish()
		return summary, nil
	}

	o.logEstimates(len(pending))

	o.setState(StateChunking)
	chunks := splitChunks(pending, o.cfg.ChunkSize)
	prog := newProgress(len(pending), len(chunks), len(summary.Results.Skipped))
	o.notifyProgress(prog.current())

	for chunkIdx, chunk := range chunks {
		o.logger.Info().
			Int("chunk", chunkIdx+1).
			Int("chunks", len(chunks)).
			Int("size", len(chunk)).
			Msg("dispatching chunk")

		results := o.processChunk(ctx, chunk, prog)
		for _, r := range results {
			if r.succeeded {
				summary.Results.Success = append(summary.Results.Success, checkpoint.ItemResult{
					Identity: r.identity,
					RunID:    r.runID,
				})
			} else {
				summary.Results.Failed = append(summary.Results.Failed, checkpoint.ItemResult{
					Identity: r.identity,
					RunID:    r.runID,
					Error:    r.errMsg,
				})
			}
		}
		summary.Processed += len(chunk)
		prog.chunkDone()

		reason := checkpoint.ReasonChunkComplete
		switch {
		case o.fatal.Load():
			reason = checkpoint.ReasonFatalError
		case o.deps.Meter.Exceeded():
			reason = checkpoint.ReasonBudget
		}
		o.saveCheckpoint(summary, reason)

		if o.fatal.Load() {
			o.setState(StateAborted)
			summary.StopReason = StopReasonFatal
			finish()
			return summary, fmt.Errorf("%w: %s", ErrFatalJob, o.fatalMessage())
		}
		if o.deps.Meter.Exceeded() {
			o.logger.Warn().
				Str("budget", o.deps.Meter.ProgressDisplay()).
				Int("processed", summary.Processed).
				Msg("budget limit reached, stopping dispatch")
			o.setState(StateAborted)
			summary.StopReason = StopReasonBudget
			finish()
			return summary, fmt.Errorf("after %d items: %w", summary.Processed, cost.ErrBudgetExceeded)
		}
	}

	o.saveCheckpoint(summary, checkpoint.ReasonComplete)
	o.setState(StateDone)
	finish()

	o.logger.Info().
		Int("success", len(summary.Results.Success)).
		Int("failed", len(summary.Results.Failed)).
		Int("skipped", len(summary.Results.Skipped)).
		Dur("elapsed", summary.Elapsed).
		Msg("batch complete")
	return summary, nil
}

// filterItems partitions items through the registry, logging a start/skip
// event pair for everything already up to date, and returns the remainder.
func (o *Orchestrator) filterItems(items []WorkItem, summary *Summary) []WorkItem {
	var pending []WorkItem
	for _, item := range items {
		needs, reason := o.deps.Registry.NeedsProcessing(item.Identity, item.Payload, o.cfg.Force)
		if needs {
			pending = append(pending, item)
			continue
		}
		runID := o.deps.RunLog.Start(item.Identity, "")
		o.deps.RunLog.Skip(runID, reason)
		summary.Results.Skipped = append(summary.Results.Skipped, checkpoint.ItemResult{
			Identity: item.Identity,
			RunID:    runID,
			Reason:   reason,
		})
	}
	return pending
}

// logEstimates prints sequential/parallel time and cost projections before
// dispatch, warning when the projected cost already exceeds the budget.
func (o *Orchestrator) logEstimates(count int) {
	seq := time.Duration(float64(count) * o.cfg.SecondsPerItemEstimate * float64(time.Second))
	par := seq / time.Duration(o.cfg.Workers)
	estCost := float64(count) * o.cfg.CostPerItemEstimate

	o.logger.Info().
		Int("items", count).
		Int("workers", o.cfg.Workers).
		Int("chunk_size", o.cfg.ChunkSize).
		Dur("est_sequential", seq).
		Dur("est_parallel", par).
		Float64("est_cost", estCost).
		Msg("processing estimates")

	if limit := o.deps.Meter.Snapshot().BudgetLimit; limit > 0 && estCost > limit {
		o.logger.Warn().
			Float64("est_cost", estCost).
			Float64("budget_limit", limit).
			Msg("estimated cost exceeds budget limit, processing may stop early")
	}
}

// itemResult is a worker's report for one item.
type itemResult struct {
	identity  string
	runID     string
	succeeded bool
	errMsg    string
}

// processChunk dispatches one chunk across the worker pool and collects
// results in completion order. The chunk always drains: workers are never
// cancelled mid-job, even after a fatal outcome or budget breach.
func (o *Orchestrator) processChunk(ctx context.Context, chunk []WorkItem, prog *progress) []itemResult {
	o.setState(StateDispatching)

	resultCh := make(chan itemResult, len(chunk))
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	for _, item := range chunk {
		item := item
		g.Go(func() error {
			resultCh <- o.processItem(ctx, item, prog)
			return nil
		})
	}

	o.setState(StateAwaitingWorkers)
	_ = g.Wait() // workers never return errors; failures are in-band
	close(resultCh)

	results := make([]itemResult, 0, len(chunk))
	for r := range resultCh {
		results = append(results, r)
	}
	return results
}

// processItem runs one item through rate limiting, the job function, and
// the registry/run-log bookkeeping.
func (o *Orchestrator) processItem(ctx context.Context, item WorkItem, prog *progress) itemResult {
	runID := o.deps.RunLog.Start(item.Identity, "")

	if o.deps.Limiters != nil {
		for _, name := range o.cfg.AcquireLimiters {
			if waited := o.deps.Limiters.Acquire(name); waited > 0 {
				o.logger.Debug().
					Str("limiter", name).
					Dur("waited", waited).
					Str("identity", item.Identity).
					Msg("rate limited")
			}
		}
	}

	outcome := o.deps.Job(ctx, item)
	result := itemResult{identity: item.Identity, runID: runID}

	switch outcome.Status {
	case StatusSuccess:
		o.deps.Registry.RecordSuccess(item.Identity, item.Payload, runID, outcome.Outputs)
		o.deps.RunLog.Success(runID, outcome.Outputs)
		result.succeeded = true

	case StatusFailure:
		o.deps.Registry.RecordFailure(item.Identity, item.Payload, runID, outcome.Err)
		o.deps.RunLog.Fail(runID, outcome.Err)
		result.errMsg = outcome.Err

	case StatusFatal:
		o.deps.Registry.RecordFailure(item.Identity, item.Payload, runID, outcome.Err)
		o.deps.RunLog.Fail(runID, outcome.Err)
		result.errMsg = outcome.Err
		o.recordFatal(item.Identity, outcome.Err)
	}

	o.notifyProgress(prog.itemDone(result.succeeded, o.deps.Meter.ProgressDisplay()))
	return result
}

// recordFatal latches the first fatal message; later fatals only log.
func (o *Orchestrator) recordFatal(identity, msg string) {
	o.fatalMu.Lock()
	if o.fatalMsg == "" {
		o.fatalMsg = fmt.Sprintf("%s: %s", identity, msg)
	}
	o.fatalMu.Unlock()
	o.fatal.Store(true)
	o.logger.Error().Str("identity", identity).Str("error", msg).Msg("fatal job outcome")
}

func (o *Orchestrator) fatalMessage() string {
	o.fatalMu.Lock()
	defer o.fatalMu.Unlock()
	return o.fatalMsg
}

// saveCheckpoint writes cumulative progress; persistence failures degrade
// to warnings per the infrastructure error policy.
func (o *Orchestrator) saveCheckpoint(summary *Summary, reason string) {
	o.setState(StateCheckpointing)
	cp := checkpoint.Checkpoint{
		BatchID:        summary.BatchID,
		Reason:         reason,
		ProcessedCount: summary.Processed,
		Results:        summary.Results,
		TotalCost:      o.deps.Meter.Total(),
	}
	if err := o.deps.Checkpoints.Save(cp); err != nil {
		o.logger.Warn().Err(err).Msg("failed to save checkpoint")
	}
}

func (o *Orchestrator) notifyProgress(snap ProgressSnapshot) {
	if o.deps.OnProgress != nil {
		o.deps.OnProgress(snap)
	}
}

// splitChunks slices items into fixed-size chunks; the final chunk may be
// short.
func splitChunks(items []WorkItem, size int) [][]WorkItem {
	var chunks [][]WorkItem
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
