// Package metrics exposes the SDK's own health counters on a
// per-instance Prometheus registry.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DiscardReason explains why an event or payload was not delivered.
type DiscardReason string

const (
	ReasonSampleRate     DiscardReason = "sample_rate"
	ReasonErrorState     DiscardReason = "error_state"
	ReasonQueueOverflow  DiscardReason = "queue_overflow"
	ReasonNetworkError   DiscardReason = "network_error"
	ReasonSendError      DiscardReason = "send_error"
	ReasonInternalError  DiscardReason = "internal_sdk_error"
	ReasonRetryExhausted DiscardReason = "retry_exhausted"
	ReasonExpired        DiscardReason = "expired"
	ReasonDestroyed      DiscardReason = "destroyed"
)

// Flush triggers.
const (
	TriggerThreshold = "threshold"
	TriggerTimer     = "timer"
	TriggerOnline    = "online"
	TriggerManual    = "manual"
	TriggerDestroy   = "destroy"
)

// Metrics holds the SDK's Prometheus collectors.
type Metrics struct {
	eventsReported   *prometheus.CounterVec
	eventsDiscarded  *prometheus.CounterVec
	payloadsSent     *prometheus.CounterVec
	flushes          *prometheus.CounterVec
	flushedItems     prometheus.Counter
	queueDepth       prometheus.Gauge
	operationsActive prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		eventsReported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_events_reported_total",
				Help: "Events accepted by the reporting pipeline, by event type",
			},
			[]string{"type"},
		),
		eventsDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_events_discarded_total",
				Help: "Events or cached items discarded before delivery, by reason",
			},
			[]string{"reason"},
		),
		payloadsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_payloads_sent_total",
				Help: "Payload transmissions by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_flushes_total",
				Help: "Batch flushes by trigger",
			},
			[]string{"trigger"},
		),
		flushedItems: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_flushed_items_total",
				Help: "Cached items delivered and removed by flushes",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_queue_depth",
				Help: "Items in the offline cache after the last write or flush",
			},
		),
		operationsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_operations_active",
				Help: "Operations currently tracked in memory",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.eventsReported,
		m.eventsDiscarded,
		m.payloadsSent,
		m.flushes,
		m.flushedItems,
		m.queueDepth,
		m.operationsActive,
	)
	return m
}

// EventReported counts an accepted event.
func (m *Metrics) EventReported(eventType string) {
	if m == nil {
		return
	}
	m.eventsReported.WithLabelValues(eventType).Inc()
}

// Discarded counts n discarded items.
func (m *Metrics) Discarded(reason DiscardReason, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDiscarded.WithLabelValues(string(reason)).Add(float64(n))
}

// PayloadSent counts a transmission attempt outcome.
func (m *Metrics) PayloadSent(channel string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.payloadsSent.WithLabelValues(channel, outcome).Inc()
}

// Flushed records a flush and how many items it delivered.
func (m *Metrics) Flushed(trigger string, delivered int) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(trigger).Inc()
	if delivered > 0 {
		m.flushedItems.Add(float64(delivered))
	}
}

// SetQueueDepth records the offline cache depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetOperationsActive records the number of in-flight operations.
func (m *Metrics) SetOperationsActive(n int) {
	if m == nil {
		return
	}
	m.operationsActive.Set(float64(n))
}

// BufferStats is a snapshot of an in-memory send buffer.
type BufferStats struct {
	High       int
	Low        int
	Refused    uint64
	EvictedLow uint64
	LostHigh   uint64
}

var (
	bufferItemsDesc = prometheus.NewDesc(
		"sentinel_buffer_items",
		"Payloads waiting in a send buffer, by priority",
		[]string{"channel", "priority"}, nil,
	)
	bufferRefusedDesc = prometheus.NewDesc(
		"sentinel_buffer_refused_total",
		"Payloads refused by a full or closed send buffer",
		[]string{"channel"}, nil,
	)
	bufferDroppedDesc = prometheus.NewDesc(
		"sentinel_buffer_dropped_total",
		"Buffered payloads evicted or lost, by priority",
		[]string{"channel", "priority"}, nil,
	)
)

// bufferCollector reads a buffer snapshot on every scrape.
type bufferCollector struct {
	channel string
	stats   func() BufferStats
}

func (c *bufferCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bufferItemsDesc
	ch <- bufferRefusedDesc
	ch <- bufferDroppedDesc
}

func (c *bufferCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(bufferItemsDesc, prometheus.GaugeValue, float64(s.High), c.channel, "high")
	ch <- prometheus.MustNewConstMetric(bufferItemsDesc, prometheus.GaugeValue, float64(s.Low), c.channel, "low")
	ch <- prometheus.MustNewConstMetric(bufferRefusedDesc, prometheus.CounterValue, float64(s.Refused), c.channel)
	ch <- prometheus.MustNewConstMetric(bufferDroppedDesc, prometheus.CounterValue, float64(s.LostHigh), c.channel, "high")
	ch <- prometheus.MustNewConstMetric(bufferDroppedDesc, prometheus.CounterValue, float64(s.EvictedLow), c.channel, "low")
}

// ObserveBuffer exports the buffer behind stats under channel. Only
// the first buffer registered for a registry is exported.
func (m *Metrics) ObserveBuffer(channel string, stats func() BufferStats) error {
	if m == nil || stats == nil {
		return nil
	}
	err := m.registry.Register(&bufferCollector{channel: channel, stats: stats})
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
