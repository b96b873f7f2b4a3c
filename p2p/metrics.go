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
	// Number of connected peers.
	Peers metrics.Gauge
	// Number of failed handshakes.
	HandshakesFailed metrics.Counter
	// Number of inbound connections rejected above the high water mark.
	ConnectionsRejected metrics.Counter
	// Number of peers banned.
	PeersBanned metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of connected peers.",
		}, []string{}),
		HandshakesFailed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "handshakes_failed",
			Help:      "Number of failed handshakes.",
		}, []string{}),
		ConnectionsRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections_rejected",
			Help:      "Number of inbound connections rejected above the high water mark.",
		}, []string{}),
		PeersBanned: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_banned",
			Help:      "Number of peers banned.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:               discard.NewGauge(),
		HandshakesFailed:    discard.NewCounter(),
		ConnectionsRejected: discard.NewCounter(),
		PeersBanned:         discard.NewCounter(),
	}
}
