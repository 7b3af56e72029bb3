package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/pkg/fieldsync"
)

const modulePath = "github.com/mesh-intelligence/fieldsync"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fieldsync version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "fieldsync v%s\nmodule: %s\n", fieldsync.Version, modulePath)
			return nil
		},
	}
}
