// Package metrics records batch and per-path outcomes as Prometheus metrics
// and exports them in the node-exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "manifesto"

// Outcome labels for per-path results
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
)

// Collector owns the metrics of a single command run
type Collector struct {
	registry *prometheus.Registry

	paths      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	mismatches *prometheus.CounterVec
	batch      *prometheus.GaugeVec
}

// NewCollector registers all metrics with registry. A nil registry gets a
// fresh private one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		paths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paths_total",
			Help:      "Paths processed, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "path_duration_seconds",
			Help:      "Wall-clock time spent on a single path.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"operation"}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mismatches_total",
			Help:      "Manifest mismatches reported during verification.",
		}, []string{"operation", "severity"}),
		batch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_success",
			Help:      "1 if the last batch succeeded, 0 otherwise.",
		}, []string{"operation"}),
	}

	registry.MustRegister(c.paths, c.duration, c.mismatches, c.batch)
	return c
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordPath records the outcome of one path
func (c *Collector) RecordPath(operation, outcome string, d time.Duration) {
	c.paths.WithLabelValues(operation, outcome).Inc()
	if outcome != OutcomeAborted {
		c.duration.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// RecordMismatch counts a mismatch passed to a verification handler
func (c *Collector) RecordMismatch(operation, severity string) {
	c.mismatches.WithLabelValues(operation, severity).Inc()
}

// RecordBatch records the aggregate result of a batch
func (c *Collector) RecordBatch(operation string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	c.batch.WithLabelValues(operation).Set(v)
}

// WriteTextfile writes all metrics to path for the node-exporter textfile
// collector.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
