package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rshade/batchmeter/internal/config"
	"github.com/rshade/batchmeter/internal/logging"
)

// DefaultConfigFile is the config path used when --config is not set.
const DefaultConfigFile = "batchmeter.yaml"

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// NewRootCmd creates the root Cobra command for the batchmeter CLI.
// It wires up configuration loading, logging, and the run, status, and
// registry subcommands.
func NewRootCmd(ver string) *cobra.Command {
	return NewRootCmdWithEnv(ver, os.LookupEnv)
}

// NewRootCmdWithEnv creates the root command with an explicit env lookup for
// testability.
func NewRootCmdWithEnv(ver string, lookupEnv func(string) (string, bool)) *cobra.Command {
	cfg := config.New()
	var logResult *logging.Result

	cmd := &cobra.Command{
		Use:     "batchmeter",
		Short:   "Resumable, budget-capped batch processing",
		Long:    "Batchmeter: run an external job across an item list with checkpoints, cost metering, and incremental skip",
		Version: ver,
		Example: rootCmdExample,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if err := cfg.LoadFile(path); err != nil {
				return err
			}
			cfg.ApplyEnv(lookupEnv)
			if err := cfg.Validate(); err != nil {
				return err
			}

			result := setupLogging(cmd, cfg)
			logResult = &result
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return cleanupLogging(logResult)
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("config", DefaultConfigFile, "path to the YAML config file")
	cmd.AddCommand(newRunCmd(cfg), newStatusCmd(cfg), newRegistryCmd(cfg))

	return cmd
}

const rootCmdExample = `  # Process an item list with the configured job command
  batchmeter run --items items.jsonl

  # Cap spend at $25 and stop at the first chunk that crosses it
  batchmeter run --items items.jsonl --budget 25

  # Reprocess everything, ignoring the registry
  batchmeter run --items items.jsonl --force

  # Dry-run the first 5 items with 2 workers
  batchmeter run --items items.jsonl --limit 5 --workers 2

  # Show the latest checkpoint and registry totals
  batchmeter status

  # Inspect or clear the item registry
  batchmeter registry stats
  batchmeter registry reset`
