package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/chain"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/node"
)

// MakeReplayCommand returns the command that rebuilds every chain's execution
// state from its stored header history and exits.
func MakeReplayCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the stored header history of every chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.New(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			err = n.Replay(cmd.Context())
			if chain.IsCorruption(err) {
				return fmt.Errorf("node database is corrupt and must be rebuilt: %w", err)
			}
			return err
		},
	}
	return cmd
}
