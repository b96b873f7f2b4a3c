package apply

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by
	// this package.
	MetricsSubsystem = "apply"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of blocks applied and committed.
	BlocksApplied metrics.Counter
	// Number of blocks the engine rejected.
	ValidationFailures metrics.Counter
	// Number of engine memory reclaims issued.
	Reclaims metrics.Counter
	// Number of historic blocks pruned from the store.
	BlocksPruned metrics.Counter
	// Time spent applying one block, in seconds.
	ApplySeconds metrics.Histogram
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
		BlocksApplied: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_applied",
			Help:      "Number of blocks applied and committed.",
		}, labels).With(labelsAndValues...),
		ValidationFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validation_failures",
			Help:      "Number of blocks the engine rejected.",
		}, labels).With(labelsAndValues...),
		Reclaims: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reclaims",
			Help:      "Number of engine memory reclaims issued.",
		}, labels).With(labelsAndValues...),
		BlocksPruned: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_pruned",
			Help:      "Number of historic blocks pruned from the store.",
		}, labels).With(labelsAndValues...),
		ApplySeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "apply_seconds",
			Help:      "Time spent applying one block, in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BlocksApplied:      discard.NewCounter(),
		ValidationFailures: discard.NewCounter(),
		Reclaims:           discard.NewCounter(),
		BlocksPruned:       discard.NewCounter(),
		ApplySeconds:       discard.NewHistogram(),
	}
}
