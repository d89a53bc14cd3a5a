package chain

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/tendermint/braid/types"
)

const MetricsSubsystem = "chain"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of blocks replayed into the execution service at startup.
	ReplayedBlocks metrics.Counter
	// Time spent replaying header history, in seconds.
	ReplayDuration metrics.Gauge
	// Number of finished mempool sync sessions, by outcome.
	SyncSessions metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// The metrics carry a chain_id label; use ForChain to bind it.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		ReplayedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "replayed_blocks",
			Help:      "Number of blocks replayed into the execution service at startup.",
		}, []string{"chain_id"}),
		ReplayDuration: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "replay_duration_seconds",
			Help:      "Time spent replaying header history.",
		}, []string{"chain_id"}),
		SyncSessions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "mempool_sync_sessions",
			Help:      "Number of finished mempool sync sessions.",
		}, []string{"chain_id", "outcome"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		ReplayedBlocks: discard.NewCounter(),
		ReplayDuration: discard.NewGauge(),
		SyncSessions:   discard.NewCounter(),
	}
}

// ForChain binds the chain_id label.
func (m *Metrics) ForChain(chainID types.ChainID) *Metrics {
	lv := []string{"chain_id", chainID.String()}
	return &Metrics{
		ReplayedBlocks: m.ReplayedBlocks.With(lv...),
		ReplayDuration: m.ReplayDuration.With(lv...),
		SyncSessions:   m.SyncSessions.With(lv...),
	}
}
