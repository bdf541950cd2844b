// Package checkpoint persists cumulative batch progress at chunk
// boundaries, bounding data loss on crash to at most one in-flight chunk.
// Each write updates a "latest" snapshot and leaves a timestamped backup.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// SchemaVersion is the checkpoint file format version. Loaders reject
// files from a different major version.
const SchemaVersion = "1.0.0"

// latestFileName is the name of the always-current snapshot.
const latestFileName = "checkpoint_latest.json"

// Reasons recorded on a checkpoint write.
const (
	ReasonChunkComplete = "chunk_complete"
	ReasonBudget        = "budget"
	ReasonFatalError    = "fatal_error"
	ReasonComplete      = "complete"
)

// Checkpoint errors.
var ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")

// ItemResult records the outcome of one item for checkpoint purposes.
type ItemResult struct {
	Identity string `json:"identity"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Results groups per-item outcomes by disposition.
type Results struct {
	Success []ItemResult `json:"success"`
	Failed  []ItemResult `json:"failed"`
	Skipped []ItemResult `json:"skipped"`
}

// Checkpoint is a durable snapshot of cumulative batch progress.
type Checkpoint struct {
	SchemaVersion  string    `json:"schema_version"`
	BatchID        string    `json:"batch_id"`
	Timestamp      time.Time `json:"timestamp"`
	Reason         string    `json:"reason"`
	ProcessedCount int       `json:"processed_count"`
	Results        Results   `json:"results"`
	TotalCost      float64   `json:"total_cost"`
}

// Writer persists checkpoints under a state directory.
type Writer struct {
	stateDir string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewWriter creates a checkpoint writer rooted at stateDir.
func NewWriter(stateDir string, logger zerolog.Logger) *Writer {
	return &Writer{
		stateDir: stateDir,
		logger:   logger,
		now:      time.Now,
	}
}

// LatestPath returns the path of the always-current snapshot.
func (w *Writer) LatestPath() string {
	return filepath.Join(w.stateDir, latestFileName)
}

// Save writes cp to the latest snapshot and a timestamped backup. Failures
// are logged and returned, but callers treat them as degraded persistence
// rather than fatal.
func (w *Writer) Save(cp Checkpoint) error {
	cp.SchemaVersion = SchemaVersion
	if cp.Timestamp.IsZero() {
		cp.Timestamp = w.now()
	}

	if err := os.MkdirAll(w.stateDir, 0750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := os.WriteFile(w.LatestPath(), data, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	backupPath := filepath.Join(w.stateDir, "checkpoint_"+w.now().Format("20060102_150405")+".json")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		// The latest snapshot is already durable; a missing backup only
		// loses history.
		w.logger.Warn().Err(err).Str("path", backupPath).Msg("failed to write checkpoint backup")
	}

	w.logger.Info().
		Int("processed", cp.ProcessedCount).
		Str("reason", cp.Reason).
		Float64("total_cost", cp.TotalCost).
		Msg("checkpoint saved")
	return nil
}

// Load reads the latest checkpoint. A missing file returns (nil, nil).
func (w *Writer) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(w.LatestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	if err := checkSchemaVersion(cp.SchemaVersion); err != nil {
		return nil, err
	}
	return &cp, nil
}

// checkSchemaVersion verifies the stored version shares the current major.
func checkSchemaVersion(stored string) error {
	if stored == "" {
		return fmt.Errorf("%w: missing schema_version", ErrIncompatibleVersion)
	}
	storedVer, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("%w: invalid schema_version %q", ErrIncompatibleVersion, stored)
	}
	if storedVer.Major() != semver.MustParse(SchemaVersion).Major() {
		return fmt.Errorf("%w: file has %s", ErrIncompatibleVersion, stored)
	}
	return nil
}
