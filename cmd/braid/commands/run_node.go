package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/chain"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/node"
)

// AddNodeFlags exposes some common configuration options on the command-line.
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")
	cmd.Flags().String("version", conf.Version, "network version (development | testnet | mainnet)")

	// p2p flags
	cmd.Flags().String("p2p.laddr", conf.P2P.ListenAddress, "node listen address (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.external-address", conf.P2P.ExternalAddress, "address peers reach this node on")
	cmd.Flags().String("p2p.bootstrap-peers", conf.P2P.BootstrapPeers, "comma-delimited peer URLs to bootstrap from")
	cmd.Flags().Int("p2p.max-sessions", conf.P2P.MaxSessions, "maximum concurrent sessions per protocol")

	// mempool flags
	cmd.Flags().Int("mempool.size", conf.Mempool.Size, "maximum number of transactions in the mempool")
	cmd.Flags().Duration("mempool.sync-interval", conf.Mempool.SyncInterval, "pause between mempool sync rounds")

	// db flags
	cmd.Flags().String("db-backend", conf.DBBackend, "database backend: goleveldb | memdb")
	cmd.Flags().String("db-dir", conf.DBPath, "database directory")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve Prometheus metrics")
}

// MakeRunNodeCommand returns the command that starts a node and runs it
// until interrupted.
func MakeRunNodeCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the braid node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.New(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			logger.Info("Started node", "nodeID", n.NodeID(), "addr", n.Addr().String())
			err = n.Run(cmd.Context())
			if chain.IsCorruption(err) {
				return fmt.Errorf("node database is corrupt and must be rebuilt: %w", err)
			}
			return err
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
