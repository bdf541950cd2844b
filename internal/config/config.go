// Package config defines the batchmeter configuration surface: worker and
// chunk bounds, the budget ceiling, per-dependency rate limits, unit
// pricing, and logging. Values merge in order: defaults, YAML file,
// environment, CLI flags (applied by the cli package).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/rshade/batchmeter/internal/ratelimit"
)

// Default configuration values.
const (
	DefaultWorkers   = 8
	DefaultChunkSize = 50
	DefaultStateDir  = "state"
	DefaultLogsDir   = "logs"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Validation bounds.
const (
	MinWorkers   = 1
	MaxWorkers   = 64
	MinChunkSize = 1
	MaxChunkSize = 1000
)

// EnvPrefix prefixes all recognized environment variables.
const EnvPrefix = "BATCHMETER_"

// Validation errors.
var (
	ErrWorkersOutOfRange   = errors.New("workers must be between 1 and 64")
	ErrChunkSizeOutOfRange = errors.New("chunk_size must be between 1 and 1000")
	ErrNegativeBudget      = errors.New("budget_limit cannot be negative")
	ErrNegativePrice       = errors.New("pricing values cannot be negative")
	ErrEmptyStateDir       = errors.New("state_dir cannot be empty")
	ErrEmptyLogsDir        = errors.New("logs_dir cannot be empty")
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the zerolog level name.
	Level string `yaml:"level,omitempty"  json:"level,omitempty"`

	// Format is "console" or "json".
	Format string `yaml:"format,omitempty" json:"format,omitempty"`

	// File, when set, redirects logs to a file instead of stderr.
	File string `yaml:"file,omitempty"   json:"file,omitempty"`
}

// JobConfig describes the external job command invoked per item.
type JobConfig struct {
	// Command is the executable run once per work item.
	Command string `yaml:"command"                   json:"command"`

	// Args are fixed arguments passed before the item payload.
	Args []string `yaml:"args,omitempty"            json:"args,omitempty"`

	// TimeoutSeconds bounds one invocation; 0 disables the timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Config is the full batchmeter configuration.
type Config struct {
	// Workers bounds concurrent job executions.
	Workers int `yaml:"workers" json:"workers"`

	// ChunkSize bounds items dispatched between checkpoints.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`

	// BudgetLimit is the cost ceiling in dollars; 0 disables enforcement.
	BudgetLimit float64 `yaml:"budget_limit,omitempty" json:"budget_limit,omitempty"`

	// StateDir holds the registry and checkpoints.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// LogsDir holds the daily and per-batch run logs.
	LogsDir string `yaml:"logs_dir" json:"logs_dir"`

	// Pricing maps cost kind to dollar unit price.
	Pricing map[string]float64 `yaml:"pricing,omitempty" json:"pricing,omitempty"`

	// RateLimits configures one token bucket per external dependency.
	RateLimits map[string]ratelimit.LimiterConfig `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`

	// AcquireLimiters names the limiters acquired before each job call.
	AcquireLimiters []string `yaml:"acquire_limiters,omitempty" json:"acquire_limiters,omitempty"`

	// Job configures the external per-item command.
	Job JobConfig `yaml:"job,omitempty" json:"job,omitempty"`

	// Logging controls log output.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		Workers:   DefaultWorkers,
		ChunkSize: DefaultChunkSize,
		StateDir:  DefaultStateDir,
		LogsDir:   DefaultLogsDir,
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// LoadFile overlays the YAML file at path onto c. A missing file is not an
// error; the defaults stand.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays BATCHMETER_* environment variables onto c. lookupEnv
// is injectable for tests. Unparseable values are ignored so a bad
// environment cannot block a run.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) {
	if v, ok := lookupEnv(EnvPrefix + "WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v, ok := lookupEnv(EnvPrefix + "CHUNK_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.ChunkSize = n
		}
	}
	if v, ok := lookupEnv(EnvPrefix + "BUDGET_LIMIT"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.BudgetLimit = f
		}
	}
	if v, ok := lookupEnv(EnvPrefix + "STATE_DIR"); ok && v != "" {
		c.StateDir = v
	}
	if v, ok := lookupEnv(EnvPrefix + "LOGS_DIR"); ok && v != "" {
		c.LogsDir = v
	}
	if v, ok := lookupEnv(EnvPrefix + "LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
}

// Validate checks all configured values against their bounds.
func (c *Config) Validate() error {
	if c.Workers < MinWorkers || c.Workers > MaxWorkers {
		return fmt.Errorf("%w: got %d", ErrWorkersOutOfRange, c.Workers)
	}
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: got %d", ErrChunkSizeOutOfRange, c.ChunkSize)
	}
	if c.BudgetLimit < 0 {
		return fmt.Errorf("%w: got %g", ErrNegativeBudget, c.BudgetLimit)
	}
	for kind, price := range c.Pricing {
		if price < 0 {
			return fmt.Errorf("%w: %s = %g", ErrNegativePrice, kind, price)
		}
	}
	if c.StateDir == "" {
		return ErrEmptyStateDir
	}
	if c.LogsDir == "" {
		return ErrEmptyLogsDir
	}
	return nil
}

// HasBudget reports whether a budget ceiling is configured.
func (c *Config) HasBudget() bool {
	return c.BudgetLimit > 0
}
