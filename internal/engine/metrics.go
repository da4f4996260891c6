package engine

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "engine"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers that completed the handshake and are connected.
	Connected metrics.Gauge
	// Number of messages received from peers, by command.
	MessagesReceived metrics.Counter
	// Number of headers received from peers.
	HeadersReceived metrics.Counter
	// Number of peer addresses learned from gossip.
	AddressesLearned metrics.Counter
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
		Connected: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connected",
			Help:      "Number of peers that completed the handshake and are connected.",
		}, labels).With(labelsAndValues...),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of messages received from peers, by command.",
		}, append(labels, "command")).With(labelsAndValues...),
		HeadersReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "headers_received",
			Help:      "Number of headers received from peers.",
		}, labels).With(labelsAndValues...),
		AddressesLearned: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "addresses_learned",
			Help:      "Number of peer addresses learned from gossip.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Connected:        discard.NewGauge(),
		MessagesReceived: discard.NewCounter(),
		HeadersReceived:  discard.NewCounter(),
		AddressesLearned: discard.NewCounter(),
	}
}
