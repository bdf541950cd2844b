package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rshade/batchmeter/internal/checkpoint"
	"github.com/rshade/batchmeter/internal/config"
	"github.com/rshade/batchmeter/internal/registry"
)

// newStatusCmd creates the status command, which reports the latest
// checkpoint and registry totals.
func newStatusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest checkpoint and registry totals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cp, err := checkpoint.NewWriter(cfg.StateDir, logger).Load()
			if err != nil {
				return err
			}

			reg := registry.New(registry.NewFileStore(filepath.Join(cfg.StateDir, registryFileName)), logger)
			return RenderStatus(cmd.OutOrStdout(), cp, reg.Stats())
		},
	}
}
