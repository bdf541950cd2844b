// Package jobexec adapts an external command into a batch job. The command
// receives the work item as JSON on stdin and reports its result as a JSON
// object on stdout:
//
//	{"status": "success", "outputs": {...}, "usage": {"llm_call": 2}}
//	{"status": "failure", "error": "fetch timed out"}
//	{"status": "fatal", "error": "API key rejected"}
//
// Usage quantities are recorded to the cost meter before the outcome is
// mapped, so a run that crosses the budget still has its spend accounted.
package jobexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rshade/batchmeter/internal/batch"
	"github.com/rshade/batchmeter/internal/cost"
)

// DefaultTimeout bounds a single item's subprocess when the config does not
// set one.
const DefaultTimeout = 5 * time.Minute

// Result statuses the subprocess may report.
const (
	statusSuccess = "success"
	statusFailure = "failure"
	statusFatal   = "fatal"
)

// ErrUnknownStatus indicates the subprocess reported a status other than
// success, failure, or fatal.
var ErrUnknownStatus = errors.New("unknown job status")

// itemEnvelope is what the subprocess receives on stdin.
type itemEnvelope struct {
	Identity string            `json:"identity"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// jobResult is what the subprocess reports on stdout.
type jobResult struct {
	Status  string             `json:"status"`
	Outputs map[string]string  `json:"outputs,omitempty"`
	Error   string             `json:"error,omitempty"`
	Usage   map[string]float64 `json:"usage,omitempty"`
}

// CommandRunner executes an external command and returns its stdout, stderr,
// and error. This interface enables testing without spawning real
// subprocesses.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) (stdout []byte, stderr []byte, err error)
}

// execRunner is the default CommandRunner that uses exec.CommandContext.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Options configures the subprocess job.
type Options struct {
	Command string
	Args    []string
	Timeout time.Duration // Max time per item (default: 5 minutes).
	Meter   *cost.Meter   // Optional; usage is recorded when set.
	Runner  CommandRunner // Optional; defaults to exec.CommandContext.
	Logger  zerolog.Logger
}

// New builds a batch.JobFunc that runs opts.Command once per work item.
//
// Subprocess failures never abort the chunk on their own: a non-zero exit,
// a timeout, or unparseable output all map to a failure outcome. Only an
// explicit "fatal" status from the subprocess produces a fatal outcome.
func New(opts Options) (batch.JobFunc, error) {
	if opts.Command == "" {
		return nil, errors.New("jobexec: command is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	runner := opts.Runner
	if runner == nil {
		runner = &execRunner{}
	}
	log := opts.Logger.With().Str("component", "jobexec").Logger()

	return func(ctx context.Context, item batch.WorkItem) batch.Outcome {
		ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		stdin, err := json.Marshal(itemEnvelope{Identity: item.Identity, Payload: item.Payload})
		if err != nil {
			return batch.Failure(fmt.Sprintf("encoding work item: %v", err))
		}

		log.Debug().
			Str("identity", item.Identity).
			Str("command", opts.Command).
			Msg("running job subprocess")

		stdout, stderr, runErr := runner.Run(ctx, opts.Command, opts.Args, stdin)
		if runErr != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return batch.Failure(fmt.Sprintf("job timed out after %s", opts.Timeout))
			}
			return batch.Failure(fmt.Sprintf("job command failed: %v: %s", runErr, strings.TrimSpace(string(stderr))))
		}

		result, parseErr := parseResult(stdout)
		if parseErr != nil {
			return batch.Failure(fmt.Sprintf("parsing job output: %v", parseErr))
		}

		recordUsage(opts.Meter, item.Identity, result.Usage, log)

		switch result.Status {
		case statusSuccess:
			return batch.Success(result.Outputs)
		case statusFailure:
			return batch.Failure(resultError(result))
		case statusFatal:
			return batch.Fatal(resultError(result))
		default:
			return batch.Failure(fmt.Sprintf("%v: %q", ErrUnknownStatus, result.Status))
		}
	}, nil
}

// parseResult decodes the last JSON object on stdout. Earlier lines are
// tolerated so the subprocess can print progress without breaking the
// protocol.
func parseResult(stdout []byte) (jobResult, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var result jobResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			return jobResult{}, err
		}
		return result, nil
	}
	return jobResult{}, errors.New("no JSON result object on stdout")
}

func resultError(r jobResult) string {
	if r.Error != "" {
		return r.Error
	}
	return "job reported " + r.Status + " without an error message"
}

// recordUsage accrues the subprocess's reported usage plus one item unit.
// Budget errors from Record are intentionally not surfaced here: the
// orchestrator checks the meter at chunk boundaries.
func recordUsage(meter *cost.Meter, identity string, usage map[string]float64, log zerolog.Logger) {
	if meter == nil {
		return
	}
	if err := meter.Record("item", 1); err != nil {
		log.Debug().Str("identity", identity).Msg("budget limit reached while recording item")
	}
	for kind, qty := range usage {
		if err := meter.Record(kind, qty); err != nil {
			log.Debug().
				Str("identity", identity).
				Str("kind", kind).
				Msg("budget limit reached while recording usage")
		}
	}
}
