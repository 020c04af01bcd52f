// Package metrics exposes Prometheus instrumentation for the capture and
// delivery pipeline. All methods are safe to call on a nil *Collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	EntriesRecorded  *prometheus.CounterVec
	EntriesDropped   *prometheus.CounterVec
	Flushes          *prometheus.CounterVec
	FlushDuration    prometheus.Histogram
	BufferedEntries  prometheus.Gauge
	DeliveryAttempts *prometheus.CounterVec
	Redeliveries     *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

// NewCollector creates a collector with its own registry, so several
// instances can coexist in tests.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		EntriesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_recorded_total",
				Help:      "Entries accepted into the buffer, by entry type.",
			},
			[]string{"type"},
		),
		EntriesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_dropped_total",
				Help:      "Entries lost before reaching a backend, by reason.",
			},
			[]string{"reason"},
		),
		Flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flushes_total",
				Help:      "Buffer flushes, by result.",
			},
			[]string{"result"},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_duration_seconds",
				Help:      "Time spent handing one batch to the backend.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		BufferedEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_entries",
				Help:      "Entries waiting in the dispatcher buffer.",
			},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_attempts_total",
				Help:      "Backend delivery attempts, by backend and result.",
			},
			[]string{"backend", "result"},
		),
		Redeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redeliveries_total",
				Help:      "Background redelivery tasks, by result.",
			},
			[]string{"result"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "redelivery_queue_depth",
				Help:      "Tasks waiting in the redelivery queue.",
			},
		),
	}

	registry.MustRegister(
		c.EntriesRecorded,
		c.EntriesDropped,
		c.Flushes,
		c.FlushDuration,
		c.BufferedEntries,
		c.DeliveryAttempts,
		c.Redeliveries,
		c.QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry backing this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEntry(entryType string) {
	if c == nil {
		return
	}
	c.EntriesRecorded.WithLabelValues(entryType).Inc()
}

func (c *Collector) DropEntries(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.EntriesDropped.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) ObserveFlush(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Flushes.WithLabelValues(result).Inc()
	c.FlushDuration.Observe(d.Seconds())
}

func (c *Collector) SetBuffered(n int) {
	if c == nil {
		return
	}
	c.BufferedEntries.Set(float64(n))
}

func (c *Collector) DeliveryAttempt(backend, result string) {
	if c == nil {
		return
	}
	c.DeliveryAttempts.WithLabelValues(backend, result).Inc()
}

func (c *Collector) Redelivery(result string) {
	if c == nil {
		return
	}
	c.Redeliveries.WithLabelValues(result).Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.QueueDepth.Set(float64(n))
}
