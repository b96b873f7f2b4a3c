package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by
	// this package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers participating in sync.
	Peers metrics.Gauge
	// Level of the committed chain head.
	HeadLevel metrics.Gauge
	// Size of the missing-block index.
	MissingBlocks metrics.Gauge

	// Number of block headers received.
	HeadersReceived metrics.Counter
	// Number of operations lists received.
	OperationsReceived metrics.Counter
	// Number of complete blocks handed to validation.
	BlocksDelivered metrics.Counter
	// Number of fetch requests sent.
	FetchesSent metrics.Counter
	// Number of fetches that timed out and were reassigned.
	FetchTimeouts metrics.Counter
	// Number of blocks rejected by the validation engine.
	InvalidBlocks metrics.Counter
	// Number of protocol violations observed.
	ProtocolViolations metrics.Counter
	// Number of advertisements deferred by the tracking cap.
	TrackingDeferred metrics.Counter
}

// PrometheusMetrics returns Metrics built using Prometheus client
// library. Optionally, labels can be provided along with their values
// ("foo", fooValue).
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
			Help:      "Number of peers participating in sync.",
		}, labels).With(labelsAndValues...),
		HeadLevel: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "head_level",
			Help:      "Level of the committed chain head.",
		}, labels).With(labelsAndValues...),
		MissingBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "missing_blocks",
			Help:      "Size of the missing-block index.",
		}, labels).With(labelsAndValues...),
		HeadersReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "headers_received",
			Help:      "Number of block headers received.",
		}, labels).With(labelsAndValues...),
		OperationsReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "operations_received",
			Help:      "Number of operations lists received.",
		}, labels).With(labelsAndValues...),
		BlocksDelivered: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_delivered",
			Help:      "Number of complete blocks handed to validation.",
		}, labels).With(labelsAndValues...),
		FetchesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fetches_sent",
			Help:      "Number of fetch requests sent.",
		}, labels).With(labelsAndValues...),
		FetchTimeouts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "fetch_timeouts",
			Help:      "Number of fetches that timed out and were reassigned.",
		}, labels).With(labelsAndValues...),
		InvalidBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "invalid_blocks",
			Help:      "Number of blocks rejected by the validation engine.",
		}, labels).With(labelsAndValues...),
		ProtocolViolations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "protocol_violations",
			Help:      "Number of protocol violations observed.",
		}, labels).With(labelsAndValues...),
		TrackingDeferred: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tracking_deferred",
			Help:      "Number of advertisements deferred by the tracking cap.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:              discard.NewGauge(),
		HeadLevel:          discard.NewGauge(),
		MissingBlocks:      discard.NewGauge(),
		HeadersReceived:    discard.NewCounter(),
		OperationsReceived: discard.NewCounter(),
		BlocksDelivered:    discard.NewCounter(),
		FetchesSent:        discard.NewCounter(),
		FetchTimeouts:      discard.NewCounter(),
		InvalidBlocks:      discard.NewCounter(),
		ProtocolViolations: discard.NewCounter(),
		TrackingDeferred:   discard.NewCounter(),
	}
}
