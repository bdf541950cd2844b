package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rshade/batchmeter/internal/config"
	"github.com/rshade/batchmeter/internal/logging"
)

// setupLogging configures logging based on config file, environment, and CLI flags.
func setupLogging(cmd *cobra.Command, cfg *config.Config) logging.Result {
	loggingCfg := logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File != "" {
		loggingCfg.Output = logging.OutputFile
		loggingCfg.File = cfg.Logging.File
	}

	debug, _ := cmd.Flags().GetBool("debug")
	if debug {
		loggingCfg.Level = "debug"
		loggingCfg.Format = "console"
		loggingCfg.Output = ""
		loggingCfg.File = ""
	}

	result := logging.New(loggingCfg)
	logger = logging.ComponentLogger(result.Logger, "cli")

	if result.UsingFile {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Logging to %s\n", result.FilePath)
	} else if result.FallbackUsed {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s; logging to stderr\n", result.FallbackReason)
	}

	traceID := logging.GetOrGenerateTraceID(cmd.Context())
	ctx := logging.ContextWithTraceID(cmd.Context(), traceID)
	ctx = logger.WithContext(ctx)
	cmd.SetContext(ctx)

	logger.Info().Ctx(ctx).Str("command", cmd.Name()).Msg("command started")

	return result
}

// cleanupLogging closes the log file handle, if one is open.
func cleanupLogging(logResult *logging.Result) error {
	if logResult != nil {
		return logResult.Close()
	}
	return nil
}
