// Package runlog records the lifecycle of every item attempt in a batch:
// exactly one start event followed by exactly one terminal event (skip,
// success, or fail). Events go to two sinks — a human-readable daily log
// and a machine-parseable per-batch JSONL stream. Sink failures are logged
// and never interrupt processing.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rshade/batchmeter/internal/logging"
)

// EventKind identifies a run lifecycle event.
type EventKind string

// Run lifecycle events. Every run ID sees Start exactly once and exactly
// one of Skip, Success, or Fail.
const (
	EventStart   EventKind = "start"
	EventSkip    EventKind = "skip"
	EventSuccess EventKind = "success"
	EventFail    EventKind = "fail"
)

// maxDetailErrorLen bounds error text carried in event details.
const maxDetailErrorLen = 200

// identityMaxLen bounds the sanitized identity component of a run ID.
const identityMaxLen = 50

// batchTimestampLayout names per-batch artifacts.
const batchTimestampLayout = "20060102_150405"

var (
	nonWordPattern    = regexp.MustCompile(`[^\w\s-]`)
	whitespacePattern = regexp.MustCompile(`[\s_]+`)
)

// Event is one structured log record.
type Event struct {
	Timestamp       time.Time `json:"timestamp"`
	BatchID         string    `json:"batch_id"`
	RunID           string    `json:"run_id"`
	Event           EventKind `json:"event"`
	Identity        string    `json:"identity"`
	Details         string    `json:"details,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
}

// Summary aggregates event counts for one batch.
type Summary struct {
	Start         int           `json:"start"`
	Skip          int           `json:"skip"`
	Success       int           `json:"success"`
	Fail          int           `json:"fail"`
	TotalDuration time.Duration `json:"total_duration"`
}

type runState struct {
	identity  string
	startTime time.Time
}

// Logger writes run events for a single batch.
type Logger struct {
	mu             sync.Mutex
	batchID        string
	batchTimestamp string
	dailyPath      string
	structuredPath string
	runs           map[string]runState
	seq            int
	logger         zerolog.Logger
	now            func() time.Time
}

// New creates a run logger writing under logsDir. The directory is created
// if missing; failure to create it degrades to warnings on each write
// rather than failing the batch.
func New(logsDir string, logger zerolog.Logger) *Logger {
	if err := os.MkdirAll(logsDir, 0750); err != nil {
		logger.Warn().Err(err).Str("dir", logsDir).Msg("failed to create logs directory")
	}

	now := time.Now()
	batchTS := now.Format(batchTimestampLayout)

	return &Logger{
		batchID:        logging.NewID(),
		batchTimestamp: batchTS,
		dailyPath:      filepath.Join(logsDir, "batch_"+now.Format("20060102")+".log"),
		structuredPath: filepath.Join(logsDir, "run_"+batchTS+".jsonl"),
		runs:           make(map[string]runState),
		logger:         logger,
		now:            time.Now,
	}
}

// BatchID returns the ULID identifying this batch.
func (l *Logger) BatchID() string { return l.batchID }

// DailyPath returns the human-readable log file path.
func (l *Logger) DailyPath() string { return l.dailyPath }

// StructuredPath returns the per-batch JSONL file path.
func (l *Logger) StructuredPath() string { return l.structuredPath }

// Start records the beginning of an attempt for identity and returns the
// generated run ID: batch timestamp, sequence index, sanitized identity —
// deterministic and collision-free within one batch.
func (l *Logger) Start(identity string, details string) string {
	l.mu.Lock()
	runID := fmt.Sprintf("%s_%03d_%s", l.batchTimestamp, l.seq, sanitizeIdentity(identity))
	l.seq++
	l.runs[runID] = runState{identity: identity, startTime: l.now()}
	l.mu.Unlock()

	l.write(EventStart, runID, identity, details, 0)
	return runID
}

// Skip records that the item was skipped (with the registry's reason) and
// closes the run.
func (l *Logger) Skip(runID, reason string) {
	l.terminal(EventSkip, runID, "reason="+reason)
}

// Success records a successful attempt and closes the run.
func (l *Logger) Success(runID string, outputs map[string]string) {
	details := ""
	if len(outputs) > 0 {
		details = fmt.Sprintf("outputs=%d", len(outputs))
	}
	l.terminal(EventSuccess, runID, details)
}

// Fail records a failed attempt and closes the run. The error text is
// truncated in the event details.
func (l *Logger) Fail(runID, errMsg string) {
	if len(errMsg) > maxDetailErrorLen {
		errMsg = errMsg[:maxDetailErrorLen]
	}
	l.terminal(EventFail, runID, "error="+errMsg)
}

// terminal emits a terminal event and clears the in-memory run entry.
// Unknown run IDs are logged as warnings and otherwise ignored.
func (l *Logger) terminal(kind EventKind, runID, details string) {
	l.mu.Lock()
	state, ok := l.runs[runID]
	if ok {
		delete(l.runs, runID)
	}
	l.mu.Unlock()

	if !ok {
		l.logger.Warn().Str("run_id", runID).Str("event", string(kind)).Msg("terminal event for unknown run_id")
		return
	}

	duration := l.now().Sub(state.startTime)
	l.write(kind, runID, state.identity, details, duration)
}

// OpenRuns returns the number of runs started but not yet closed.
func (l *Logger) OpenRuns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

// write emits one event to both sinks.
func (l *Logger) write(kind EventKind, runID, identity, details string, duration time.Duration) {
	now := l.now()

	line := fmt.Sprintf("[%s] [%s] [%-8s] %s",
		now.Format("2006-01-02 15:04:05"), runID, strings.ToUpper(string(kind)), identity)
	if details != "" {
		line += " | " + details
	}
	l.appendLine(l.dailyPath, line)

	event := Event{
		Timestamp: now,
		BatchID:   l.batchID,
		RunID:     runID,
		Event:     kind,
		Identity:  identity,
		Details:   details,
	}
	if kind != EventStart {
		event.DurationSeconds = duration.Seconds()
	}

	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to marshal run event")
		return
	}
	l.appendLine(l.structuredPath, string(data))
}

// appendLine appends one line to path, warning on failure.
func (l *Logger) appendLine(path, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("failed to open run log sink")
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("failed to write run log sink")
	}
}

// Summary reads the structured log back and aggregates event counts plus
// the total duration of terminal events.
func (l *Logger) Summary() Summary {
	var summary Summary

	data, err := os.ReadFile(l.structuredPath)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Msg("failed to read structured log for summary")
		}
		return summary
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			l.logger.Warn().Err(err).Msg("skipping malformed run event")
			continue
		}
		switch event.Event {
		case EventStart:
			summary.Start++
		case EventSkip:
			summary.Skip++
		case EventSuccess:
			summary.Success++
			summary.TotalDuration += time.Duration(event.DurationSeconds * float64(time.Second))
		case EventFail:
			summary.Fail++
			summary.TotalDuration += time.Duration(event.DurationSeconds * float64(time.Second))
		}
	}
	return summary
}

// sanitizeIdentity converts an item identity into a safe run-ID component:
// lowercase, word characters and hyphens only, at most identityMaxLen bytes.
func sanitizeIdentity(identity string) string {
	s := nonWordPattern.ReplaceAllString(identity, "")
	s = whitespacePattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > identityMaxLen {
		s = s[:identityMaxLen]
	}
	return strings.ToLower(s)
}
