package p2p

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "p2p"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of sessions in the connection pool.
	Peers metrics.Gauge
	// Number of sessions opened, by address source.
	PeerDials metrics.Counter
	// Number of sessions that ended with an error.
	PeerFailures metrics.Counter
	// Number of DNS seed queries.
	DNSQueries metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peer sessions in the connection pool.",
		}, labels).With(labelsAndValues...),
		PeerDials: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_dials",
			Help:      "Number of peer sessions opened, by address source.",
		}, append(labels, "source")).With(labelsAndValues...),
		PeerFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_failures",
			Help:      "Number of peer sessions that ended with an error.",
		}, labels).With(labelsAndValues...),
		DNSQueries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dns_queries",
			Help:      "Number of DNS seed queries.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:        discard.NewGauge(),
		PeerDials:    discard.NewCounter(),
		PeerFailures: discard.NewCounter(),
		DNSQueries:   discard.NewCounter(),
	}
}
