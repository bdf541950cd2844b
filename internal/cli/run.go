package cli

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/rshade/batchmeter/internal/batch"
	"github.com/rshade/batchmeter/internal/checkpoint"
	"github.com/rshade/batchmeter/internal/config"
	"github.com/rshade/batchmeter/internal/cost"
	"github.com/rshade/batchmeter/internal/jobexec"
	"github.com/rshade/batchmeter/internal/ratelimit"
	"github.com/rshade/batchmeter/internal/registry"
	"github.com/rshade/batchmeter/internal/runlog"
	"github.com/rshade/batchmeter/internal/tui"
)

// registryFileName is the registry file within the state directory.
const registryFileName = "registry.json"

// ErrNoJobCommand indicates no job command was configured for the run.
var ErrNoJobCommand = errors.New("job.command must be set in the config file")

// runFlags holds the run command's flag values.
type runFlags struct {
	items      string
	workers    int
	chunkSize  int
	budget     float64
	force      bool
	limit      int
	noProgress bool
	stateDir   string
	logsDir    string
}

// newRunCmd creates the run command, which processes an item list with the
// configured job command.
func newRunCmd(cfg *config.Config) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process an item list with the configured job",
		Long: "Run the configured job command once per pending item, in chunks of " +
			"parallel workers, checkpointing after every chunk. Items already " +
			"processed with unchanged inputs are skipped.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyRunFlags(cmd, cfg, &flags)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runBatch(cmd, cfg, &flags)
		},
	}

	cmd.Flags().StringVar(&flags.items, "items", "", "path to the JSONL item list (required)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "concurrent workers per chunk (overrides config)")
	cmd.Flags().IntVar(&flags.chunkSize, "chunk-size", 0, "items per chunk (overrides config)")
	cmd.Flags().Float64Var(&flags.budget, "budget", 0, "budget limit in dollars (overrides config)")
	cmd.Flags().BoolVar(&flags.force, "force", false, "reprocess every item regardless of registry state")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "process at most N items (0 = no limit)")
	cmd.Flags().BoolVar(&flags.noProgress, "no-progress", false, "disable the live progress display")
	cmd.Flags().StringVar(&flags.stateDir, "state-dir", "", "directory for registry and checkpoints (overrides config)")
	cmd.Flags().StringVar(&flags.logsDir, "logs-dir", "", "directory for run logs (overrides config)")
	_ = cmd.MarkFlagRequired("items")

	return cmd
}

// applyRunFlags overlays explicitly-set CLI flags onto the loaded config.
// CLI flags override environment variables and the config file.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, flags *runFlags) {
	if cmd.Flags().Changed("workers") {
		cfg.Workers = flags.workers
	}
	if cmd.Flags().Changed("chunk-size") {
		cfg.ChunkSize = flags.chunkSize
	}
	if cmd.Flags().Changed("budget") {
		cfg.BudgetLimit = flags.budget
	}
	if cmd.Flags().Changed("state-dir") {
		cfg.StateDir = flags.stateDir
	}
	if cmd.Flags().Changed("logs-dir") {
		cfg.LogsDir = flags.logsDir
	}
}

// runBatch wires up the batch components from config and executes the run.
func runBatch(cmd *cobra.Command, cfg *config.Config, flags *runFlags) error {
	if cfg.Job.Command == "" {
		return ErrNoJobCommand
	}

	reg := registry.New(registry.NewFileStore(filepath.Join(cfg.StateDir, registryFileName)), logger)
	meter := cost.NewMeter(cfg.Pricing, cfg.BudgetLimit, logger)
	runLog := runlog.New(cfg.LogsDir, logger)
	checkpoints := checkpoint.NewWriter(cfg.StateDir, logger)
	limiters := ratelimit.NewGroup(cfg.RateLimits, logger)

	job, err := jobexec.New(jobexec.Options{
		Command: cfg.Job.Command,
		Args:    cfg.Job.Args,
		Timeout: time.Duration(cfg.Job.TimeoutSeconds) * time.Second,
		Meter:   meter,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	batchCfg := batch.Config{
		Workers:         cfg.Workers,
		ChunkSize:       cfg.ChunkSize,
		Force:           flags.force,
		Limit:           flags.limit,
		AcquireLimiters: cfg.AcquireLimiters,
	}
	deps := batch.Deps{
		Source:      batch.NewFileSource(flags.items),
		Job:         job,
		Registry:    reg,
		Meter:       meter,
		RunLog:      runLog,
		Checkpoints: checkpoints,
		Limiters:    limiters,
		Logger:      logger,
	}

	var summary *batch.Summary
	var runErr error
	if !flags.noProgress && isWriterTerminal(cmd.OutOrStdout()) {
		summary, runErr = runWithProgress(cmd.Context(), batchCfg, deps)
	} else {
		summary, runErr = runPlain(cmd.Context(), batchCfg, deps)
	}

	if summary != nil {
		if renderErr := RenderRunSummary(cmd.OutOrStdout(), summary); renderErr != nil {
			logger.Warn().Err(renderErr).Msg("could not render run summary")
		}
	}
	return runErr
}

// runPlain executes the batch without the live progress display.
func runPlain(ctx context.Context, cfg batch.Config, deps batch.Deps) (*batch.Summary, error) {
	orch, err := batch.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	return orch.Run(ctx)
}

// runWithProgress executes the batch behind a Bubble Tea progress display.
// The orchestrator runs in a goroutine and streams snapshots into the
// program; DoneMsg tears the display down when the run finishes.
func runWithProgress(ctx context.Context, cfg batch.Config, deps batch.Deps) (*batch.Summary, error) {
	model := tui.NewProgressModel(0)
	program := tea.NewProgram(model, tea.WithContext(ctx))

	deps.OnProgress = func(snap batch.ProgressSnapshot) {
		program.Send(tui.ProgressMsg(snap))
	}

	orch, err := batch.New(cfg, deps)
	if err != nil {
		return nil, err
	}

	var summary *batch.Summary
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		summary, runErr = orch.Run(ctx)
		program.Send(tui.DoneMsg{Err: runErr})
	}()

	if _, progErr := program.Run(); progErr != nil {
		logger.Warn().Err(progErr).Msg("progress display failed")
	}
	<-done

	return summary, runErr
}
