package p2p

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "p2p"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of finished peer sessions, by network and outcome.
	Sessions metrics.Counter
	// Number of peer sessions currently running, by network.
	ActiveSessions metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Sessions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sessions",
			Help:      "Number of finished peer sessions.",
		}, []string{"network", "outcome"}),
		ActiveSessions: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_sessions",
			Help:      "Number of peer sessions currently running.",
		}, []string{"network"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Sessions:       discard.NewCounter(),
		ActiveSessions: discard.NewGauge(),
	}
}
