// Package metrics exports dispatch cycles as prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/advdv/bdispatch"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector observes dispatch cycles. It implements both [bdispatch.Observer] and [prometheus.Collector].
type Collector struct {
	cycles   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New inits a collector. Metric names are prefixed with namespace when it is not empty.
func New(namespace string) *Collector {
	return &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_total",
			Help:      "Number of dispatched messages by route, method, status and outcome.",
		}, []string{"route", "method", "status", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_cycle_duration_seconds",
			Help:      "Time from receiving a message until its response was written.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "outcome"}),
	}
}

// ObserveCycle implements [bdispatch.Observer].
func (c *Collector) ObserveCycle(info bdispatch.CycleInfo) {
	route := info.Route
	if route == "" {
		route = "none"
	}

	c.cycles.WithLabelValues(route, info.Method, strconv.Itoa(info.Status), string(info.Outcome)).Inc()
	c.duration.WithLabelValues(route, info.Method, string(info.Outcome)).Observe(info.Duration.Seconds())
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.cycles.Describe(ch)
	c.duration.Describe(ch)
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.cycles.Collect(ch)
	c.duration.Collect(ch)
}
