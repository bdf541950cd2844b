// Package logging provides zerolog-based structured logging for batchmeter.
// It supports console and file output, per-component sub-loggers, and
// trace IDs carried through context for correlating a single batch run.
package logging

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Output destinations supported by the logger.
const (
	OutputStderr = "stderr"
	OutputStdout = "stdout"
	OutputFile   = "file"
)

// Format values supported by the logger.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config controls logger construction.
type Config struct {
	// Level is the zerolog level name ("debug", "info", "warn", "error").
	// Defaults to "info" on parse failure.
	Level string

	// Format selects "console" (human-readable) or "json" output.
	Format string

	// Output selects "stderr", "stdout", or "file".
	Output string

	// File is the log file path when Output is "file".
	File string

	// Caller enables caller annotation on log records.
	Caller bool
}

// Result holds a constructed logger plus file-output bookkeeping so callers
// can report where logs went and close the handle on shutdown.
type Result struct {
	Logger         zerolog.Logger
	UsingFile      bool
	FilePath       string
	FallbackUsed   bool
	FallbackReason string

	file *os.File
}

// Close releases the log file handle, if any.
func (r *Result) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// New builds a logger from cfg. File output falls back to stderr (with
// FallbackUsed set) when the file cannot be opened, so logging setup never
// prevents a batch from running.
func New(cfg Config) Result {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		lvl = zerolog.InfoLevel
	}

	result := Result{}

	var out io.Writer
	switch cfg.Output {
	case OutputFile:
		f, openErr := openLogFile(cfg.File)
		if openErr != nil {
			result.FallbackUsed = true
			result.FallbackReason = openErr.Error()
			out = consoleWriter(os.Stderr)
		} else {
			result.UsingFile = true
			result.FilePath = cfg.File
			result.file = f
			out = f
		}
	case OutputStdout:
		out = selectFormat(cfg.Format, os.Stdout)
	default:
		out = selectFormat(cfg.Format, os.Stderr)
	}

	logCtx := zerolog.New(out).Level(lvl).With().Timestamp()
	if cfg.Caller {
		logCtx = logCtx.Caller()
	}
	result.Logger = logCtx.Logger()
	return result
}

// selectFormat wraps w in a console writer unless JSON output was requested.
func selectFormat(format string, w *os.File) io.Writer {
	if format == FormatJSON {
		return w
	}
	return consoleWriter(w)
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
}

// openLogFile opens path for appending, creating parent directories as needed.
func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// ComponentLogger returns a sub-logger tagged with a component name.
func ComponentLogger(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// FromContext returns the logger stored in ctx, or a disabled default.
func FromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

type traceIDKey struct{}

// ContextWithTraceID stores a trace ID in ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace ID stored in ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// GetOrGenerateTraceID returns the trace ID from ctx, generating a fresh
// ULID when none is present.
func GetOrGenerateTraceID(ctx context.Context) string {
	if id := TraceIDFromContext(ctx); id != "" {
		return id
	}
	return NewID()
}

// NewID generates a ULID suitable for trace and batch identifiers.
func NewID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // IDs are not security-sensitive
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
