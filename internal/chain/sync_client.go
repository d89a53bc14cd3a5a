package chain

import (
	"context"
	"sync/atomic"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/mempool"
	"github.com/tendermint/braid/internal/p2p"
)

// MempoolSyncProtocol names the mempool sync network of every chain.
const MempoolSyncProtocol = "mempool-sync"

// SessionOutcome is how a mempool sync session that returned an error ended.
// It is one of Cancelled or Failed.
type SessionOutcome interface {
	isSessionOutcome()
}

// Cancelled is the outcome of a session whose context ended. It is not a
// failure.
type Cancelled struct{}

// Failed is the outcome of a session that broke off for any other reason.
type Failed struct {
	Err error
}

func (Cancelled) isSessionOutcome() {}
func (Failed) isSessionOutcome()    {}

// ClassifySession maps the error a session returned under ctx to its
// outcome. A nil error has no outcome.
func ClassifySession(ctx context.Context, err error) SessionOutcome {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return Cancelled{}
	default:
		return Failed{Err: err}
	}
}

// RunMempoolSyncClient keeps the mempool of res in sync with the chain's
// peers until ctx is done. Peers are picked, scored and retried by a p2p.Node
// registered on httpManager; each session runs mempool.SyncWith against one
// peer.
//
// Cancellation of ctx is a clean shutdown and returns nil.
func RunMempoolSyncClient(
	ctx context.Context,
	httpManager *p2p.HTTPManager,
	res *ChainResources,
	opts ...p2p.NodeOption,
) (err error) {
	logger := res.Logger.With("module", "mempool-sync")
	network := p2p.NetworkID{Protocol: MempoolSyncProtocol, ChainID: res.ChainID}

	node, err := p2p.NewNode(network, res.Peer, httpManager, mempoolSyncSession(httpManager, res), logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		stopErr := node.Stop()
		logger.Info("mempool sync client shut down")
		if stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	if err := node.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("mempool sync client failed", "err", err)
		return err
	}
	return nil
}

// mempoolSyncSession returns the session body run against each peer. It
// reports whether the initial exchange with the peer completed.
func mempoolSyncSession(httpManager *p2p.HTTPManager, res *ChainResources) p2p.Session {
	logger := res.Logger.With("module", "mempool-sync")
	cfg := res.MempoolConfig
	metrics := res.chainMetrics()
	return func(ctx context.Context, peer p2p.PeerInfo) (bool, error) {
		var completed atomic.Bool

		remote := mempool.NewRemote(
			httpManager.Client(),
			peer.Address,
			res.Version,
			res.ChainID,
			res.Codec,
			cfg.BlockGasLimit,
			mempool.WithChunkSize(cfg.SyncChunkSize),
			mempool.WithMaxResponseBytes(lookupResponseBudget(cfg)),
		)
		err := mempool.SyncWith(
			ctx,
			logger.With("peer", peer.Address),
			res.Mempool,
			remote,
			func() { completed.Store(true) },
			mempool.WithSyncInterval(cfg.SyncInterval),
			mempool.WithSyncMetrics(res.poolMetrics()),
		)

		switch outcome := ClassifySession(ctx, err).(type) {
		case Cancelled:
			logger.Debug("mempool sync session cancelled",
				"peer", peer.Address, "initial_sync_completed", completed.Load())
			metrics.SyncSessions.With("outcome", "cancelled").Add(1)
			return completed.Load(), nil
		case Failed:
			logger.Error("mempool sync session failed", "peer", peer.Address, "err", outcome.Err)
			metrics.SyncSessions.With("outcome", "failed").Add(1)
			return false, outcome.Err
		default:
			metrics.SyncSessions.With("outcome", "done").Add(1)
			return completed.Load(), nil
		}
	}
}

// lookupResponseBudget is the largest lookup answer a chunk of full-size
// transactions can produce. A tx is base64 encoded twice on the wire, which
// grows it by at most 16/9; the budget doubles that and never drops below 64 MiB.
func lookupResponseBudget(cfg *config.MempoolConfig) int64 {
	budget := 2 * int64(cfg.SyncChunkSize) * int64(cfg.MaxTxBytes)
	if budget < 64<<20 {
		return 64 << 20
	}
	return budget
}
