package mempool

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/tendermint/braid/types"
)

const MetricsSubsystem = "mempool"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of pending transactions.
	Size metrics.Gauge
	// Total payload bytes of pending transactions.
	SizeBytes metrics.Gauge
	// Number of transactions admitted.
	InsertedTxs metrics.Counter
	// Number of transactions refused admission.
	RejectedTxs metrics.Counter
	// Number of transactions removed after block execution.
	RemovedTxs metrics.Counter
	// Number of transactions received from peers by sync sessions.
	PulledTxs metrics.Counter
	// Number of transactions sent to peers by sync sessions.
	PushedTxs metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// The metrics carry a chain_id label; use ForChain to bind it.
func PrometheusMetrics(namespace string) *Metrics {
	labels := []string{"chain_id"}
	return &Metrics{
		Size: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "size",
			Help:      "Number of pending transactions.",
		}, labels),
		SizeBytes: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "size_bytes",
			Help:      "Total payload bytes of pending transactions.",
		}, labels),
		InsertedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "inserted_txs",
			Help:      "Number of transactions admitted.",
		}, labels),
		RejectedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected_txs",
			Help:      "Number of transactions refused admission.",
		}, labels),
		RemovedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "removed_txs",
			Help:      "Number of transactions removed after block execution.",
		}, labels),
		PulledTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pulled_txs",
			Help:      "Number of transactions received from peers by sync sessions.",
		}, labels),
		PushedTxs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pushed_txs",
			Help:      "Number of transactions sent to peers by sync sessions.",
		}, labels),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Size:        discard.NewGauge(),
		SizeBytes:   discard.NewGauge(),
		InsertedTxs: discard.NewCounter(),
		RejectedTxs: discard.NewCounter(),
		RemovedTxs:  discard.NewCounter(),
		PulledTxs:   discard.NewCounter(),
		PushedTxs:   discard.NewCounter(),
	}
}

// ForChain binds the chain_id label.
func (m *Metrics) ForChain(chainID types.ChainID) *Metrics {
	lv := []string{"chain_id", chainID.String()}
	return &Metrics{
		Size:        m.Size.With(lv...),
		SizeBytes:   m.SizeBytes.With(lv...),
		InsertedTxs: m.InsertedTxs.With(lv...),
		RejectedTxs: m.RejectedTxs.With(lv...),
		RemovedTxs:  m.RemovedTxs.With(lv...),
		PulledTxs:   m.PulledTxs.With(lv...),
		PushedTxs:   m.PushedTxs.With(lv...),
	}
}
