// Package metrics exposes Prometheus metrics for feature rule evaluation.
//
// Metrics:
//   - <namespace>_evaluations_total: evaluations by feature and outcome
//   - <namespace>_evaluation_duration_seconds: evaluation latency by feature
//   - <namespace>_script_faults_total: failing rule scripts by engine
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/featurerules/rules"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "featurerules"

// Collector records evaluation metrics. It implements rules.Observer.
type Collector struct {
	registry *prometheus.Registry

	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	scriptFaultsTotal  *prometheus.CounterVec
}

var _ rules.Observer = (*Collector)(nil)

// NewCollector creates the collector and registers its metrics with
// registry. A nil registry gets a fresh one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of feature rule evaluations",
			},
			[]string{"feature", "outcome"},
		),
		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of feature rule evaluation in seconds",
				// 10µs to ~330ms; a fresh script runtime per call dominates
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
			},
			[]string{"feature"},
		),
		scriptFaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_faults_total",
				Help:      "Total number of rule scripts that failed to run",
			},
			[]string{"engine"},
		),
	}

	registry.MustRegister(
		c.evaluationsTotal,
		c.evaluationDuration,
		c.scriptFaultsTotal,
	)

	return c
}

// ObserveEvaluation records one finished evaluation
func (c *Collector) ObserveEvaluation(feature string, outcome rules.Outcome, duration time.Duration) {
	c.evaluationsTotal.WithLabelValues(feature, string(outcome)).Inc()
	c.evaluationDuration.WithLabelValues(feature).Observe(duration.Seconds())
}

// ObserveScriptFault records a failing rule script
func (c *Collector) ObserveScriptFault(fault *rules.ScriptFault) {
	c.scriptFaultsTotal.WithLabelValues(fault.Engine).Inc()
}

// Registry returns the registry the metrics are registered with
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
