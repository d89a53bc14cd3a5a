package node

import (
	"fmt"
	"path/filepath"

	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/chain"
	"github.com/tendermint/braid/internal/mempool"
	"github.com/tendermint/braid/internal/p2p"
	"github.com/tendermint/braid/internal/payload"
	"github.com/tendermint/braid/libs/log"
	tmos "github.com/tendermint/braid/libs/os"
)

// Database names handed to the DB provider.
const (
	headersDBName  = "headers"
	payloadsDBName = "payloads"
	peersDBName    = "peers"
)

type dbs struct {
	headers  dbm.DB
	payloads dbm.DB
	peers    dbm.DB
}

func (d *dbs) close() error {
	var firstErr error
	for _, db := range []dbm.DB{d.headers, d.payloads, d.peers} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// initDBs opens the node's databases. Header databases of every chain share
// one database, separated by key prefix.
func initDBs(cfg *config.Config, dbProvider config.DBProvider) (_ *dbs, err error) {
	d := &dbs{}
	defer func() {
		if err != nil {
			_ = d.close()
		}
	}()

	if d.headers, err = dbProvider(&config.DBContext{ID: headersDBName, Config: cfg}); err != nil {
		return nil, fmt.Errorf("opening %s database: %w", headersDBName, err)
	}
	if d.payloads, err = dbProvider(&config.DBContext{ID: payloadsDBName, Config: cfg}); err != nil {
		return nil, fmt.Errorf("opening %s database: %w", payloadsDBName, err)
	}
	if d.peers, err = dbProvider(&config.DBContext{ID: peersDBName, Config: cfg}); err != nil {
		return nil, fmt.Errorf("opening %s database: %w", peersDBName, err)
	}
	return d, nil
}

// createPayloadStore fronts the payload database with a cache unless the
// cache is disabled.
func createPayloadStore(cfg *config.PayloadConfig, db dbm.DB) (*payload.DBStore, payload.Store, error) {
	backing := payload.NewDBStore(db)
	if cfg.CacheSize == 0 {
		return backing, backing, nil
	}
	cached, err := payload.NewCachedStore(backing, cfg.CacheSize)
	if err != nil {
		return nil, nil, err
	}
	return backing, cached, nil
}

func createPeerResources(cfg *config.Config, db dbm.DB, logger log.Logger) (*p2p.PeerResources, error) {
	keyFile := cfg.NodeKeyFile()
	if err := tmos.EnsureDir(filepath.Dir(keyFile), 0700); err != nil {
		return nil, err
	}
	nodeKey, err := p2p.LoadOrGenNodeKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", keyFile, err)
	}

	peerDB, err := p2p.NewPeerDB(db, cfg.P2P.MaxPeers)
	if err != nil {
		return nil, fmt.Errorf("loading peer database: %w", err)
	}
	logger.Info("loaded node key", "nodeID", nodeKey.ID, "file", keyFile)
	return p2p.NewPeerResources(nodeKey, peerDB, cfg.P2P), nil
}

type metrics struct {
	chain   *chain.Metrics
	mempool *mempool.Metrics
	p2p     *p2p.Metrics
}

func defaultMetricsProvider(cfg *config.InstrumentationConfig) *metrics {
	if cfg.Prometheus {
		return &metrics{
			chain:   chain.PrometheusMetrics(cfg.Namespace),
			mempool: mempool.PrometheusMetrics(cfg.Namespace),
			p2p:     p2p.PrometheusMetrics(cfg.Namespace),
		}
	}
	return &metrics{
		chain:   chain.NopMetrics(),
		mempool: mempool.NopMetrics(),
		p2p:     p2p.NopMetrics(),
	}
}
