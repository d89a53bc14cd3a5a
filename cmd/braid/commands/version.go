package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/braid/version"
)

// VersionCmd prints the braid version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Version)
	},
}
