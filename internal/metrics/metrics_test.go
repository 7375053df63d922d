package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.EventReported("error")
	m.EventReported("error")
	m.Discarded(ReasonSampleRate, 3)
	m.Discarded(ReasonSampleRate, 0)
	m.PayloadSent("beacon", true)
	m.PayloadSent("http", false)
	m.Flushed(TriggerOnline, 5)
	m.SetQueueDepth(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsReported.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.eventsDiscarded.WithLabelValues("sample_rate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.payloadsSent.WithLabelValues("http", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes.WithLabelValues("online")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.flushedItems))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventReported("x")
		m.Discarded(ReasonExpired, 1)
		m.PayloadSent("beacon", true)
		m.Flushed(TriggerTimer, 1)
		m.SetQueueDepth(1)
		m.SetOperationsActive(1)
		assert.NoError(t, m.ObserveBuffer("beacon", func() BufferStats { return BufferStats{} }))
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.EventReported("custom")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `sentinel_events_reported_total{type="custom"} 1`))
}

func TestObserveBuffer(t *testing.T) {
	m := New()
	stats := BufferStats{High: 1, Low: 4, Refused: 2, EvictedLow: 3}
	require.NoError(t, m.ObserveBuffer("beacon", func() BufferStats { return stats }))
	require.NoError(t, m.ObserveBuffer("beacon", func() BufferStats { return BufferStats{} }), "second buffer is ignored")

	expected := `
# HELP sentinel_buffer_items Payloads waiting in a send buffer, by priority
# TYPE sentinel_buffer_items gauge
sentinel_buffer_items{channel="beacon",priority="high"} 1
sentinel_buffer_items{channel="beacon",priority="low"} 4
# HELP sentinel_buffer_refused_total Payloads refused by a full or closed send buffer
# TYPE sentinel_buffer_refused_total counter
sentinel_buffer_refused_total{channel="beacon"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"sentinel_buffer_items", "sentinel_buffer_refused_total"))

	stats.Low = 0
	stats.EvictedLow = 4
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `sentinel_buffer_items{channel="beacon",priority="low"} 0`)
	assert.Contains(t, rec.Body.String(), `sentinel_buffer_dropped_total{channel="beacon",priority="low"} 4`)
}
