package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/internal/sqlite"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize local storage",
		Long:  "Create the configuration and data directories, then create or migrate the local database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}
			store := sqlite.NewBackend()
			if err := store.Attach(a.cfg.Config); err != nil {
				return fmt.Errorf("initialize storage: %w", err)
			}
			version := store.SchemaVersion()
			if err := store.Detach(); err != nil {
				return fmt.Errorf("finalize storage: %w", err)
			}

			if a.flags.jsonMode {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"config_dir":     a.cfg.dir,
					"data_dir":       a.cfg.DataDir,
					"schema_version": version,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config: %s\n", a.cfg.viper.ConfigFileUsed())
			fmt.Fprintf(out, "data:   %s (schema v%d)\n", a.cfg.DataDir, version)
			return nil
		},
	}
}
