package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/batchmeter/internal/checkpoint"
	"github.com/rshade/batchmeter/internal/cost"
	"github.com/rshade/batchmeter/internal/registry"
	"github.com/rshade/batchmeter/internal/runlog"
)

// testEnv builds the orchestrator's collaborators over a shared directory
// so re-runs observe persisted registry and checkpoint state.
type testEnv struct {
	registry    *registry.Registry
	meter       *cost.Meter
	runLog      *runlog.Logger
	checkpoints *checkpoint.Writer
}

func newTestEnv(t *testing.T, dir string, budgetLimit float64) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	return &testEnv{
		registry:    registry.New(registry.NewFileStore(filepath.Join(dir, "registry.json")), logger),
		meter:       cost.NewMeter(map[string]float64{"item": 0.30}, budgetLimit, logger),
		runLog:      runlog.New(filepath.Join(dir, "logs"), logger),
		checkpoints: checkpoint.NewWriter(filepath.Join(dir, "state"), logger),
	}
}

func (e *testEnv) deps(source Source, job JobFunc) Deps {
	return Deps{
		Source:      source,
		Job:         job,
		Registry:    e.registry,
		Meter:       e.meter,
		RunLog:      e.runLog,
		Checkpoints: e.checkpoints,
		Logger:      zerolog.Nop(),
	}
}

func (e *testEnv) latestCheckpoint(t *testing.T) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := e.checkpoints.Load()
	require.NoError(t, err)
	return cp
}

func makeItems(n int) []WorkItem {
	items := make([]WorkItem, n)
	for i := range items {
		items[i] = WorkItem{
			Identity: fmt.Sprintf("item-%d", i+1),
			Payload:  map[string]string{"name": fmt.Sprintf("item-%d", i+1)},
		}
	}
	return items
}

func successJob(_ context.Context, _ WorkItem) Outcome {
	return Success(map[string]string{"report": "out.md"})
}

func defaultConfig() Config {
	return Config{Workers: 2, ChunkSize: 4}
}

func TestNew_Validation(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 0)

	t.Run("InvalidWorkers", func(t *testing.T) {
		_, err := New(Config{Workers: 0, ChunkSize: 4}, env.deps(SliceSource(nil), successJob))
		assert.ErrorIs(t, err, ErrInvalidWorkers)
	})

	t.Run("InvalidChunkSize", func(t *testing.T) {
		_, err := New(Config{Workers: 2, ChunkSize: 0}, env.deps(SliceSource(nil), successJob))
		assert.ErrorIs(t, err, ErrInvalidChunkSize)
	})

	t.Run("NilSource", func(t *testing.T) {
		deps := env.deps(nil, successJob)
		_, err := New(defaultConfig(), deps)
		assert.ErrorIs(t, err, ErrNilSource)
	})

	t.Run("NilJob", func(t *testing.T) {
		deps := env.deps(SliceSource(nil), nil)
		_, err := New(defaultConfig(), deps)
		assert.ErrorIs(t, err, ErrNilJob)
	})
}

func TestRun_AllSuccess(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 0)
	items := makeItems(10)

	o, err := New(defaultConfig(), env.deps(SliceSource(items), successJob))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, summary.TotalItems)
	assert.Equal(t, 10, summary.Processed)
	assert.Len(t, summary.Results.Success, 10)
	assert.Empty(t, summary.Results.Failed)
	assert.Empty(t, summary.Results.Skipped)
	assert.Empty(t, summary.StopReason)
	assert.Equal(t, StateDone, o.State())

	cp := env.latestCheckpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.ReasonComplete, cp.Reason)
	assert.Equal(t, 10, cp.ProcessedCount)

	stats := env.registry.Stats()
	assert.Equal(t, 10, stats.Success)
}

func TestRun_EmptySource(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 0)

	o, err := New(defaultConfig(), env.deps(SliceSource(nil), successJob))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Equal(t, StateDone, o.State())
}

func TestRun_SourceError(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 0)
	source := sourceFunc(func(context.Context) ([]WorkItem, error) {
		return nil, errors.New("sheet unavailable")
	})

	o, err := New(defaultConfig(), env.deps(source, successJob))
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	assert.ErrorContains(t, err, "load items")
	assert.Equal(t, StateAborted, o.State())
}

type sourceFunc func(ctx context.Context) ([]WorkItem, error)

func (f sourceFunc) Items(ctx context.Context) ([]WorkItem, error) { return f(ctx) }

func TestRun_IdempotentRerun(t *testing.T) {
	dir := t.TempDir()
	items := makeItems(6)

	env := newTestEnv(t, dir, 0)
	o, err := New(defaultConfig(), env.deps(SliceSource(items), successJob))
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	// Second run over the same inputs: the reloaded registry skips all.
	var invoked atomic.Int32
	rerunEnv := newTestEnv(t, dir, 0)
	o2, err := New(defaultConfig(), rerunEnv.deps(SliceSource(items), func(ctx context.Context, item WorkItem) Outcome {
		invoked.Add(1)
		return successJob(ctx, item)
	}))
	require.NoError(t, err)

	summary, err := o2.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Len(t, summary.Results.Skipped, 6)
	assert.Zero(t, invoked.Load(), "no job should run when nothing changed")

	for _, skipped := range summary.Results.Skipped {
		assert.Equal(t, registry.ReasonAlreadyProcessed, skipped.Reason)
	}
}

func TestRun_ChangedInputsReprocessed(t *testing.T) {
	dir := t.TempDir()
	items := makeItems(4)

	env := newTestEnv(t, dir, 0)
	o, err := New(defaultConfig(), env.deps(SliceSource(items), successJob))
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	changed := makeItems(4)
	changed[1].Payload["name"] = "renamed"

	rerunEnv := newTestEnv(t, dir, 0)
	o2, err := New(defaultConfig(), rerunEnv.deps(SliceSource(changed), successJob))
	require.NoError(t, err)

	summary, err := o2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Len(t, summary.Results.Skipped, 3)
}

func TestRun_ForceReprocessesAll(t *testing.T) {
	dir := t.TempDir()
	items := makeItems(4)

	env := newTestEnv(t, dir, 0)
	o, err := New(defaultConfig(), env.deps(SliceSource(items), successJob))
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Force = true
	rerunEnv := newTestEnv(t, dir, 0)
	o2, err := New(cfg, rerunEnv.deps(SliceSource(items), successJob))
	require.NoError(t, err)

	summary, err := o2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Processed)
	assert.Empty(t, summary.Results.Skipped)
}

func TestRun_LimitTruncatesItems(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 0)
	cfg := defaultConfig()
	cfg.Limit = 3

	o, err := New(cfg, env.deps(SliceSource(makeItems(10)), successJob))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalItems)
	assert.Equal(t, 3, summary.Processed)
}

func TestRun_PerItemFailureIsolated(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 0)
	items := makeItems(6)

	job := func(_ context.Context, item WorkItem) Outcome {
		if item.Identity == "item-2" {
			return Failure("upstream timeout")
		}
		return Success(nil)
	}

	o, err := New(defaultConfig(), env.deps(SliceSource(items), job))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.NoError(t, err, "per-item failures must not cross the run boundary")
	assert.Equal(t, 6, summary.Processed)
	assert.Len(t, summary.Results.Success, 5)
	require.Len(t, summary.Results.Failed, 1)
	assert.Equal(t, "item-2", summary.Results.Failed[0].Identity)
	assert.Equal(t, "upstream timeout", summary.Results.Failed[0].Error)

	record, ok := env.registry.Get("item-2")
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, record.Status)

	// A failed item is retried on the next run.
	needs, reason := env.registry.NeedsProcessing("item-2", items[1].Payload, false)
	assert.True(t, needs)
	assert.Equal(t, registry.ReasonRetryFailed, reason)
}

func TestRun_FatalAbortsAfterChunkDrains(t *testing.T) {
	// 10 items, W=2, chunk size 4; item 3 is fatal. The in-flight chunk of
	// 4 completes, the checkpoint records 4 processed with reason
	// fatal_error, and items 5-10 are never dispatched.
	env := newTestEnv(t, t.TempDir(), 0)
	items := makeItems(10)

	var invoked atomic.Int32
	job := func(_ context.Context, item WorkItem) Outcome {
		invoked.Add(1)
		if item.Identity == "item-3" {
			return Fatal("credentials revoked")
		}
		return Success(nil)
	}

	o, err := New(Config{Workers: 2, ChunkSize: 4}, env.deps(SliceSource(items), job))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrFatalJob)
	assert.ErrorContains(t, err, "credentials revoked")

	assert.Equal(t, int32(4), invoked.Load(), "the dispatched chunk drains, nothing beyond it runs")
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, StopReasonFatal, summary.StopReason)
	assert.Equal(t, StateAborted, o.State())

	cp := env.latestCheckpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.ReasonFatalError, cp.Reason)
	assert.Equal(t, 4, cp.ProcessedCount)
}

func TestRun_BudgetStopsDispatch(t *testing.T) {
	// $1.00 budget, 5 items at $0.30 each, chunks of 2. The chunk holding
	// item 4 pushes the total to $1.20; item 5 is never dispatched.
	env := newTestEnv(t, t.TempDir(), 1.00)
	items := makeItems(5)

	var invoked atomic.Int32
	job := func(_ context.Context, _ WorkItem) Outcome {
		invoked.Add(1)
		_ = env.meter.Record("item", 1)
		return Success(nil)
	}

	o, err := New(Config{Workers: 2, ChunkSize: 2}, env.deps(SliceSource(items), job))
	require.NoError(t, err)

	summary, err := o.Run(context.Background())
	require.ErrorIs(t, err, cost.ErrBudgetExceeded)

	assert.Equal(t, int32(4), invoked.Load(), "item 5 must never be dispatched")
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, StopReasonBudget, summary.StopReason)
	assert.InDelta(t, 1.20, summary.Cost.Total, 1e-9)

	cp := env.latestCheckpoint(t)
	require.NotNil(t, cp)
	assert.Equal(t, checkpoint.ReasonBudget, cp.Reason)
	assert.Equal(t, 4, cp.ProcessedCount)
	assert.InDelta(t, 1.20, cp.TotalCost, 1e-9)
}

func TestRun_ResumeAfterBudgetStop(t *testing.T) {
	// After a budget stop at 4 of 5 items, a re-run with a higher limit
	// skips exactly the 4 recorded successes and processes the remainder.
	dir := t.TempDir()
	items := makeItems(5)

	env := newTestEnv(t, dir, 1.00)
	job := func(_ context.Context, _ WorkItem) Outcome {
		_ = env.meter.Record("item", 1)
		return Success(nil)
	}
	o, err := New(Config{Workers: 2, ChunkSize: 2}, env.deps(SliceSource(items), job))
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.ErrorIs(t, err, cost.ErrBudgetExceeded)

	rerunEnv := newTestEnv(t, dir, 10.00)
	o2, err := New(Config{Workers: 2, ChunkSize: 2}, rerunEnv.deps(SliceSource(items), successJob))
	require.NoError(t, err)

	summary, err := o2.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, summary.Results.Skipped, 4)
	assert.Equal(t, 1, summary.Processed)
}

func TestRun_SkippedItemsGetStartAndSkipEvents(t *testing.T) {
	dir := t.TempDir()
	items := makeItems(3)

	env := newTestEnv(t, dir, 0)
	o, err := New(defaultConfig(), env.deps(SliceSource(items), successJob))
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	rerunEnv := newTestEnv(t, dir, 0)
	o2, err := New(defaultConfig(), rerunEnv.deps(SliceSource(items), successJob))
	require.NoError(t, err)
	_, err = o2.Run(context.Background())
	require.NoError(t, err)

	logSummary := rerunEnv.runLog.Summary()
	assert.Equal(t, 3, logSummary.Start)
	assert.Equal(t, 3, logSummary.Skip)
	assert.Zero(t, rerunEnv.runLog.OpenRuns())
}

func TestRun_ProgressCallbacks(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), 0)
	items := makeItems(7)

	var final atomic.Value
	deps := env.deps(SliceSource(items), successJob)
	deps.OnProgress = func(snap ProgressSnapshot) {
		final.Store(snap)
	}

	o, err := New(Config{Workers: 3, ChunkSize: 3}, deps)
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.NoError(t, err)

	snap, ok := final.Load().(ProgressSnapshot)
	require.True(t, ok)
	assert.Equal(t, 7, snap.TotalItems)
	assert.Equal(t, 7, snap.Processed)
	assert.Equal(t, 7, snap.Succeeded)
	assert.InDelta(t, 100.0, snap.PercentDone(), 1e-9)
}

func TestSplitChunks(t *testing.T) {
	items := makeItems(10)

	chunks := splitChunks(items, 4)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 4)
	assert.Len(t, chunks[1], 4)
	assert.Len(t, chunks[2], 2)

	assert.Len(t, splitChunks(items, 100), 1)
	assert.Empty(t, splitChunks(nil, 4))
}
