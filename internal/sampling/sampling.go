// Package sampling decides, per event type, whether an event is kept.
//
// Unconfigured types are always kept, and any internal failure keeps
// the event: sampling must never be the reason telemetry vanishes
// because of a bug.
package sampling

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
)

// Strategy selects the decision rule.
type Strategy string

const (
	StrategyRandom       Strategy = "random"
	StrategyConsistent   Strategy = "consistent"
	StrategyRateLimiting Strategy = "rate_limiting"
)

const (
	// DefaultTimeWindow is the rate-limiting window when none is set.
	DefaultTimeWindow = 60 * time.Second
	// DefaultMaxEventsPerWindow is the rate-limiting budget when none is set.
	DefaultMaxEventsPerWindow = 100
)

// Options configures sampling for one event type.
type Options struct {
	Rate               float64       `koanf:"rate" yaml:"rate"`
	Strategy           Strategy      `koanf:"strategy" yaml:"strategy"`
	ConsistentKey      string        `koanf:"consistentKey" yaml:"consistentKey,omitempty"`
	TimeWindow         time.Duration `koanf:"timeWindow" yaml:"timeWindow,omitempty"`
	MaxEventsPerWindow int           `koanf:"maxEventsPerWindow" yaml:"maxEventsPerWindow,omitempty"`
}

// Validate checks the rate bounds and the strategy name.
func (o Options) Validate() error {
	if math.IsNaN(o.Rate) || o.Rate < 0 || o.Rate > 1 {
		return fmt.Errorf("sampling rate %v out of range [0,1]", o.Rate)
	}
	switch o.Strategy {
	case "", StrategyRandom, StrategyConsistent, StrategyRateLimiting:
	default:
		return fmt.Errorf("unknown sampling strategy %q", o.Strategy)
	}
	if o.TimeWindow < 0 || o.MaxEventsPerWindow < 0 {
		return fmt.Errorf("rate limiting window must not be negative")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = StrategyRandom
	}
	if o.TimeWindow == 0 {
		o.TimeWindow = DefaultTimeWindow
	}
	if o.MaxEventsPerWindow == 0 {
		o.MaxEventsPerWindow = DefaultMaxEventsPerWindow
	}
	return o
}

// Engine holds per-type configuration and rate-limiting windows.
type Engine struct {
	mu      sync.Mutex
	configs map[string]Options
	windows map[string][]time.Time
	logger  *slog.Logger
	clock   clock.Clock
	random  func() float64
}

// New creates an Engine. random must return values in [0,1); nil
// selects math/rand.
func New(logger *slog.Logger, clk clock.Clock, random func() float64) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if random == nil {
		random = rand.Float64
	}
	return &Engine{
		configs: make(map[string]Options),
		windows: make(map[string][]time.Time),
		logger:  logger,
		clock:   clk,
		random:  random,
	}
}

// Configure sets the options for eventType. Invalid options are
// rejected and the previous configuration is kept.
func (e *Engine) Configure(eventType string, opts Options) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if err := opts.Validate(); err != nil {
		e.logger.Warn("rejected sampling config", "event_type", eventType, "error", err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[eventType] = opts.withDefaults()
	return nil
}

// ConfigureAll applies every entry; invalid entries are skipped. The
// first error is returned.
func (e *Engine) ConfigureAll(all map[string]Options) error {
	var first error
	for eventType, opts := range all {
		if err := e.Configure(eventType, opts); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Remove drops the configuration and window for eventType.
func (e *Engine) Remove(eventType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.configs, eventType)
	delete(e.windows, eventType)
}

// Reset drops every configuration.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = make(map[string]Options)
	e.windows = make(map[string][]time.Time)
}

// Config returns the effective options for eventType.
func (e *Engine) Config(eventType string) (Options, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.configs[eventType]
	return o, ok
}

// ResetState clears rate-limiting windows for the given types, or for
// every type when none are given.
func (e *Engine) ResetState(eventTypes ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(eventTypes) == 0 {
		e.windows = make(map[string][]time.Time)
		return
	}
	for _, t := range eventTypes {
		delete(e.windows, t)
	}
}

// ShouldSample reports whether an event of eventType carrying data is kept.
func (e *Engine) ShouldSample(eventType string, data map[string]any) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sampling failed, keeping event", "event_type", eventType, "panic", r)
			keep = true
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	opts, ok := e.configs[eventType]
	if !ok {
		return true
	}
	if opts.Rate >= 1 {
		return true
	}
	if opts.Rate <= 0 {
		return false
	}

	switch opts.Strategy {
	case StrategyConsistent:
		return e.consistent(opts, data)
	case StrategyRateLimiting:
		return e.rateLimited(eventType, opts)
	default:
		return e.random() < opts.Rate
	}
}

func (e *Engine) consistent(opts Options, data map[string]any) bool {
	value, ok := Lookup(data, opts.ConsistentKey)
	if !ok || value == nil {
		return e.random() < opts.Rate
	}
	return Bucket(fmt.Sprint(value)) < opts.Rate
}

func (e *Engine) rateLimited(eventType string, opts Options) bool {
	now := e.clock.Now()
	cutoff := now.Add(-opts.TimeWindow)

	window := e.windows[eventType]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) < opts.MaxEventsPerWindow {
		e.windows[eventType] = append(kept, now)
		return true
	}

	// Overflow is sampled at the configured rate instead of cut off.
	if e.random() < opts.Rate {
		e.windows[eventType] = append(kept, now)
		return true
	}
	e.windows[eventType] = kept
	return false
}

// Hash is the 31-multiplier 32-bit string hash used for stable bucketing.
func Hash(s string) int32 {
	var h int32
	for _, r := range s {
		h = h*31 + int32(r)
	}
	return h
}

// Bucket maps s onto [0,1) in steps of 0.001.
func Bucket(s string) float64 {
	h := int64(Hash(s))
	if h < 0 {
		h = -h
	}
	return float64(h%1000) / 1000
}

// Lookup resolves a dotted path such as "user.id" in data.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, true
	}

	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
