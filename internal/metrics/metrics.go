// Package metrics exposes Prometheus collectors for scans, trace events and
// live observers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threatwatch"

// Scan terminal statuses used as the status label.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Collector holds the service collectors on a private registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	scansStarted        prometheus.Counter
	scansFinished       *prometheus.CounterVec
	scanDuration        prometheus.Histogram
	traceEvents         prometheus.Counter
	traceAppendFailures prometheus.Counter
	observers           prometheus.Gauge
	observerDrops       prometheus.Counter
}

// New creates a Collector with process and Go runtime collectors attached.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_started_total",
			Help:      "Scans accepted for execution.",
		}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Scans that reached a terminal state, by status.",
		}, []string{"status"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of scans from start to terminal state.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		traceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_events_total",
			Help:      "Trace events appended to the trace store.",
		}),
		traceAppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_append_failures_total",
			Help:      "Trace events that could not be persisted.",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Live observers across all sessions.",
		}),
		observerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_drops_total",
			Help:      "Observers removed after a failed delivery.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.scansStarted,
		c.scansFinished,
		c.scanDuration,
		c.traceEvents,
		c.traceAppendFailures,
		c.observers,
		c.observerDrops,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ScanStarted records an accepted scan.
func (c *Collector) ScanStarted() {
	if c == nil {
		return
	}
	c.scansStarted.Inc()
}

// ScanFinished records a scan's terminal status and duration.
func (c *Collector) ScanFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.scansFinished.WithLabelValues(status).Inc()
	c.scanDuration.Observe(d.Seconds())
}

// TraceAppended records a persisted trace event.
func (c *Collector) TraceAppended() {
	if c == nil {
		return
	}
	c.traceEvents.Inc()
}

// TraceAppendFailed records a trace event that was not persisted.
func (c *Collector) TraceAppendFailed() {
	if c == nil {
		return
	}
	c.traceAppendFailures.Inc()
}

// ObserverAdded records a new live observer.
func (c *Collector) ObserverAdded() {
	if c == nil {
		return
	}
	c.observers.Inc()
}

// ObserverRemoved records an observer leaving. dropped is true when the
// observer was removed because delivery to it failed.
func (c *Collector) ObserverRemoved(dropped bool) {
	if c == nil {
		return
	}
	c.observers.Dec()
	if dropped {
		c.observerDrops.Inc()
	}
}
