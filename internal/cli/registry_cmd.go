package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rshade/batchmeter/internal/config"
	"github.com/rshade/batchmeter/internal/registry"
)

// newRegistryCmd creates the registry command group with stats and reset
// subcommands.
func newRegistryCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect or clear the item registry",
	}
	cmd.AddCommand(newRegistryStatsCmd(cfg), newRegistryResetCmd(cfg))
	return cmd
}

func openRegistry(cfg *config.Config) *registry.Registry {
	return registry.New(registry.NewFileStore(filepath.Join(cfg.StateDir, registryFileName)), logger)
}

func newRegistryStatsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts by last status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats := openRegistry(cfg).Stats()
			_, err := fmt.Fprintf(cmd.OutOrStdout(),
				"Registry: %d items (%d succeeded, %d failed)\n",
				stats.Total, stats.Success, stats.Failed)
			return err
		},
	}
}

func newRegistryResetCmd(cfg *config.Config) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the registry so the next run reprocesses everything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("registry reset discards all processing history; re-run with --yes to confirm")
			}
			reg := openRegistry(cfg)
			before := reg.Stats().Total
			reg.Reset()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Registry cleared (%d items removed)\n", before)
			return err
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
