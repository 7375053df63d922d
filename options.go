package sentinel

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
	"github.com/fanguyun/edge-sentinel-sdk/internal/signal"
)

// Option customizes the environment a Sentinel runs in.
type Option func(*builder)

type builder struct {
	handler    slog.Handler
	clock      clock.Clock
	signals    signal.Source
	baseInfo   *event.BaseInfo
	httpClient *http.Client
	random     func() float64
}

// WithLogger forwards the SDK's log records to l's handler, subject to
// the configured log level. Without it records are only retained in
// history and passed to the debug callback.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) {
		if l != nil {
			b.handler = l.Handler()
		}
	}
}

// WithClock replaces the source of event and envelope timestamps.
// Timers still run on wall time.
func WithClock(now func() time.Time) Option {
	return func(b *builder) {
		if now != nil {
			b.clock = funcClock{now: now}
		}
	}
}

// WithSignals makes the SDK listen to src instead of its own bus.
func WithSignals(src signal.Source) Option {
	return func(b *builder) { b.signals = src }
}

// WithBaseInfo sets the host snapshot attached to every envelope.
func WithBaseInfo(info BaseInfo) Option {
	return func(b *builder) { b.baseInfo = &info }
}

// WithHTTPClient sets the client used for delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(b *builder) { b.httpClient = c }
}

// WithRand sets the random source for sampling decisions. random must
// return values in [0,1).
func WithRand(random func() float64) Option {
	return func(b *builder) { b.random = random }
}

type funcClock struct {
	now func() time.Time
}

func (c funcClock) Now() time.Time { return c.now() }

func (c funcClock) NewTicker(d time.Duration) *clock.Ticker {
	return clock.Real().NewTicker(d)
}
