// Package chain builds and supervises the per-chain bundle of a node: its
// mempool, execution service and header database.
//
// WithChainResources acquires the bundle in a fixed order, rebuilds execution
// state from the stored header history, and only then hands the bundle to its
// caller. Whatever happens in between, the bundle is released in reverse order
// of acquisition before WithChainResources returns.
package chain

import (
	"context"
	"fmt"

	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/execution"
	"github.com/tendermint/braid/internal/mempool"
	"github.com/tendermint/braid/internal/p2p"
	"github.com/tendermint/braid/internal/payload"
	"github.com/tendermint/braid/internal/store"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

// ChainResources is the bundle of one chain. It is only valid inside the
// body passed to WithChainResources.
type ChainResources struct {
	ChainID   types.ChainID
	Version   types.Version
	Peer      *p2p.PeerResources
	HeaderDB  *store.HeaderDB
	Mempool   *mempool.TxMempool
	Execution execution.Service
	Logger    log.Logger

	// MempoolConfig is the configuration the mempool was built from. Sync
	// sessions take their pacing and gas limit from it.
	MempoolConfig *config.MempoolConfig
	// Codec encodes transactions exchanged with peers.
	Codec types.TxCodec

	metrics        *Metrics
	mempoolMetrics *mempool.Metrics
}

func (r *ChainResources) chainMetrics() *Metrics {
	if r.metrics == nil {
		return NopMetrics()
	}
	return r.metrics
}

func (r *ChainResources) poolMetrics() *mempool.Metrics {
	if r.mempoolMetrics == nil {
		return mempool.NopMetrics()
	}
	return r.mempoolMetrics
}

// Resource names, in order of acquisition.
const (
	resourceMempool   = "mempool"
	resourceExecution = "execution"
	resourceHeaderDB  = "header database"
)

type options struct {
	engine         func(types.ChainID) execution.Engine
	execCfg        *config.ExecutionConfig
	codec          types.TxCodec
	metrics        *Metrics
	mempoolMetrics *mempool.Metrics
	hooks          lifecycleHooks
}

// Option sets an optional parameter of WithChainResources.
type Option func(*options)

// WithEngine sets the execution engine. The default is a digest engine.
func WithEngine(engine execution.Engine) Option {
	return func(o *options) {
		o.engine = func(types.ChainID) execution.Engine { return engine }
	}
}

// WithExecutionConfig sets the execution service configuration.
func WithExecutionConfig(cfg *config.ExecutionConfig) Option {
	return func(o *options) { o.execCfg = cfg }
}

// WithCodec sets the transaction codec used on the wire.
func WithCodec(codec types.TxCodec) Option {
	return func(o *options) { o.codec = codec }
}

// WithMetrics sets the metrics of the chain and of its mempool. Both are
// bound to the chain before use.
func WithMetrics(metrics *Metrics, mempoolMetrics *mempool.Metrics) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
		if mempoolMetrics != nil {
			o.mempoolMetrics = mempoolMetrics
		}
	}
}

// lifecycleHooks observe acquisition and release. acquired runs right after a
// resource is acquired and may fail the scope; released runs right before a
// resource is released.
type lifecycleHooks struct {
	acquired func(resource string) error
	released func(resource string)
}

func withHooks(h lifecycleHooks) Option {
	return func(o *options) { o.hooks = h }
}

func (h lifecycleHooks) onAcquired(resource string) error {
	if h.acquired == nil {
		return nil
	}
	return h.acquired(resource)
}

func (h lifecycleHooks) onReleased(resource string) {
	if h.released != nil {
		h.released(resource)
	}
}

/*
WithChainResources builds the resources of chainID, runs body with them and
releases them.

Resources are acquired in this order:

  - the mempool, built from mempoolCfg
  - the execution service, bound to the mempool
  - the header database of (version, chainID) inside storage, created with its
    genesis header if it does not exist

The stored header history is then replayed into the execution service (see
Replay), using payloads to find the body of each block. body runs only once
replay has completed, and its error is the result of WithChainResources.

Release happens in reverse order of acquisition and is not cancellable. It
runs when acquisition or replay fails, when body returns and when body panics.
A release error is logged, and returned if nothing failed before it.
*/
func WithChainResources(
	ctx context.Context,
	version types.Version,
	chainID types.ChainID,
	storage dbm.DB,
	peer *p2p.PeerResources,
	logger log.Logger,
	mempoolCfg *config.MempoolConfig,
	payloads payload.Store,
	body func(context.Context, *ChainResources) error,
	opts ...Option,
) (err error) {
	o := options{
		engine:         func(cid types.ChainID) execution.Engine { return execution.NewDigestEngine(cid) },
		execCfg:        config.DefaultExecutionConfig(),
		codec:          types.JSONTxCodec{},
		metrics:        NopMetrics(),
		mempoolMetrics: mempool.NopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.With("module", "chain", "chain", chainID)
	metrics := o.metrics.ForChain(chainID)
	mempoolMetrics := o.mempoolMetrics.ForChain(chainID)

	release := func(resource string, closeFn func() error) {
		o.hooks.onReleased(resource)
		if cerr := closeFn(); cerr != nil {
			logger.Error("failed to release chain resource", "resource", resource, "err", cerr)
			if err == nil {
				err = fmt.Errorf("releasing %s: %w", resource, cerr)
			}
		}
	}

	mp, err := mempool.NewTxMempool(
		logger.With("module", "mempool"),
		mempoolCfg,
		mempool.WithMetrics(mempoolMetrics),
	)
	if err != nil {
		return fmt.Errorf("creating mempool: %w", err)
	}
	defer release(resourceMempool, mp.Close)
	if err := o.hooks.onAcquired(resourceMempool); err != nil {
		return err
	}

	exec := execution.NewService(logger.With("module", "execution"), o.execCfg, mp, o.engine(chainID))
	// The service outlives cancellation of ctx; it is stopped on release.
	if err := exec.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting execution service: %w", err)
	}
	defer release(resourceExecution, exec.Stop)
	if err := o.hooks.onAcquired(resourceExecution); err != nil {
		return err
	}

	hdb, err := store.OpenHeaderDB(storage, version, chainID)
	if err != nil {
		return fmt.Errorf("opening header database: %w", err)
	}
	defer release(resourceHeaderDB, hdb.Close)
	if err := o.hooks.onAcquired(resourceHeaderDB); err != nil {
		return err
	}

	if err := replay(ctx, logger, exec, hdb, payloads, metrics); err != nil {
		return err
	}

	return body(ctx, &ChainResources{
		ChainID:        chainID,
		Version:        version,
		Peer:           peer,
		HeaderDB:       hdb,
		Mempool:        mp,
		Execution:      exec,
		Logger:         logger,
		MempoolConfig:  mempoolCfg,
		Codec:          o.codec,
		metrics:        metrics,
		mempoolMetrics: mempoolMetrics,
	})
}
