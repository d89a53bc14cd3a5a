// Package node assembles a braid node: every chain of the configured network
// version, the HTTP endpoint peers talk to, and the databases they share.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/chain"
	"github.com/tendermint/braid/internal/execution"
	"github.com/tendermint/braid/internal/mempool"
	"github.com/tendermint/braid/internal/p2p"
	"github.com/tendermint/braid/internal/payload"
	"github.com/tendermint/braid/internal/snapshot"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

// Option sets an optional parameter on the Node.
type Option func(*Node)

// WithDBProvider replaces the database provider built from the config.
func WithDBProvider(provider config.DBProvider) Option {
	return func(n *Node) { n.dbProvider = provider }
}

// WithEngine sets the execution engine of every chain. The default is a
// digest engine per chain.
func WithEngine(newEngine func(types.ChainID) execution.Engine) Option {
	return func(n *Node) { n.newEngine = newEngine }
}

// Node runs the chains of one network version.
type Node struct {
	config     *config.Config
	logger     log.Logger
	version    types.Version
	chainIDs   []types.ChainID
	dbProvider config.DBProvider
	newEngine  func(types.ChainID) execution.Engine

	dbs             *dbs
	payloadDB       *payload.DBStore
	payloads        payload.Store
	peers           *p2p.PeerResources
	httpManager     *p2p.HTTPManager
	metrics         *metrics
	routes          map[types.ChainID]*chainRoutes
	listener        net.Listener
	metricsListener net.Listener

	closeOnce sync.Once
	closeErr  error
}

// New opens the node's databases and identity and binds its HTTP listener.
// The node does nothing until Run. Close releases a node that is never run.
func New(cfg *config.Config, logger log.Logger, options ...Option) (_ *Node, err error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	n := &Node{
		config:     cfg,
		logger:     logger,
		version:    cfg.NetworkVersion(),
		chainIDs:   cfg.ChainIDs(),
		dbProvider: config.DefaultDBProvider,
		newEngine: func(cid types.ChainID) execution.Engine {
			return execution.NewDigestEngine(cid)
		},
		metrics: defaultMetricsProvider(cfg.Instrumentation),
		routes:  make(map[types.ChainID]*chainRoutes),
	}
	for _, opt := range options {
		opt(n)
	}

	if n.dbs, err = initDBs(cfg, n.dbProvider); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	if n.payloadDB, n.payloads, err = createPayloadStore(cfg.Payload, n.dbs.payloads); err != nil {
		return nil, err
	}
	if n.peers, err = createPeerResources(cfg, n.dbs.peers, logger.With("module", "p2p")); err != nil {
		return nil, err
	}
	n.httpManager = p2p.NewHTTPManager(cfg.P2P, n.peers.Self.ID)

	for _, cid := range n.chainIDs {
		n.routes[cid] = newChainRoutes(cid)
	}

	if n.listener, err = listen(cfg.P2P.ListenAddress, cfg.P2P.MaxOpenConnections); err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.P2P.ListenAddress, err)
	}
	if addr := prometheusListenAddr(cfg.Instrumentation); addr != "" {
		if n.metricsListener, err = net.Listen("tcp", addr); err != nil {
			return nil, fmt.Errorf("listening for metrics on %s: %w", addr, err)
		}
	}
	return n, nil
}

// NodeID is the node's peer identity.
func (n *Node) NodeID() p2p.NodeID { return n.peers.Self.ID }

// Addr is the address the node's HTTP endpoint listens on.
func (n *Node) Addr() net.Addr { return n.listener.Addr() }

// PayloadStore is the node's payload database. Payloads put there become
// visible to every chain.
func (n *Node) PayloadStore() *payload.DBStore { return n.payloadDB }

/*
Run starts every chain and serves peers until ctx is done or a chain fails,
then releases the node.

Chains start concurrently. Each one imports its header snapshot, if any,
builds its resources (replaying its header history) and then exposes its
payloads and mempool under /chain/<id>/ and syncs its mempool with peers. A
chain whose history cannot be replayed, most notably because of a
*chain.CorruptionError, stops the whole node.

Cancellation of ctx is a clean shutdown and returns nil.
*/
func (n *Node) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := n.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	n.logger.Info("starting node",
		"nodeID", n.NodeID(),
		"version", n.version,
		"chains", fmt.Sprint(n.chainIDs),
		"addr", n.Addr().String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	server := newServer(n.makeRouter(), n.logger.With("module", "http"))
	g.Go(func() error { return serve(gctx, server, n.listener) })

	if n.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := newServer(mux, n.logger.With("module", "metrics"))
		g.Go(func() error { return serve(gctx, metricsServer, n.metricsListener) })
	}

	for _, cid := range n.chainIDs {
		cid := cid
		g.Go(func() error { return n.runChain(gctx, cid) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		n.logger.Error("node stopped", "err", err)
		return err
	}
	n.logger.Info("node stopped")
	return nil
}

// Replay rebuilds the execution state of every chain from its stored
// history, one chain at a time, without serving peers. It then releases the
// node.
func (n *Node) Replay(ctx context.Context) (err error) {
	defer func() {
		if cerr := n.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for _, cid := range n.chainIDs {
		err := n.withChain(ctx, cid, func(_ context.Context, res *chain.ChainResources) error {
			res.Logger.Info("chain state rebuilt", "height", res.HeaderDB.Height())
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the node's listener and databases. It is safe to call more
// than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		for _, l := range []net.Listener{n.listener, n.metricsListener} {
			if l == nil {
				continue
			}
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) && n.closeErr == nil {
				n.closeErr = err
			}
		}
		if n.httpManager != nil {
			n.httpManager.Close()
		}
		if n.dbs != nil {
			if err := n.dbs.close(); err != nil && n.closeErr == nil {
				n.closeErr = err
			}
		}
	})
	return n.closeErr
}

func (n *Node) withChain(
	ctx context.Context,
	cid types.ChainID,
	body func(context.Context, *chain.ChainResources) error,
) error {
	logger := n.logger.With("chain", cid)
	if dir := n.config.SnapshotDirPath(); dir != "" {
		if _, err := snapshot.Import(ctx, logger, dir, n.dbs.headers, n.version, cid, n.payloads); err != nil {
			logger.Error("failed to import header snapshot", "err", err)
		}
	}

	return chain.WithChainResources(
		ctx,
		n.version,
		cid,
		n.dbs.headers,
		n.peers,
		n.logger,
		n.config.Mempool,
		n.payloads,
		body,
		chain.WithEngine(n.newEngine(cid)),
		chain.WithExecutionConfig(n.config.Execution),
		chain.WithMetrics(n.metrics.chain, n.metrics.mempool),
	)
}

func (n *Node) runChain(ctx context.Context, cid types.ChainID) error {
	err := n.withChain(ctx, cid, func(ctx context.Context, res *chain.ChainResources) error {
		routes := n.routes[cid]
		routes.set(chainHandler(
			payload.NewHandler(n.payloads, res.Logger.With("module", "payload")),
			mempool.NewHandler(res.Mempool, n.version, res.Codec, res.Logger.With("module", "mempool")),
		))
		defer routes.clear()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g := taskgroup.New(taskgroup.Trigger(cancel))
		g.Go(func() error {
			return chain.RunMempoolSyncClient(ctx, n.httpManager, res, p2p.WithNodeMetrics(n.metrics.p2p))
		})
		<-ctx.Done()
		err := g.Wait()

		if dir := n.config.SnapshotDirPath(); dir != "" {
			if serr := snapshot.Write(dir, res.HeaderDB); serr != nil {
				res.Logger.Error("failed to write header snapshot", "err", serr)
			}
		}
		return err
	})
	if chain.IsCorruption(err) {
		n.logger.Error("chain database is corrupt; aborting", "chain", cid, "err", err)
	}
	return err
}

// serve runs server on listener until ctx is done.
func serve(ctx context.Context, server *http.Server, listener net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- server.Serve(listener) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			return err
		}
		<-errc
		return nil
	}
}
