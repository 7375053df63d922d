// Package sentinel is a client-side telemetry SDK. A Sentinel samples,
// redacts and wraps reported events, then delivers them to a collector
// either immediately or through a durable local queue flushed in
// batches. It also tracks multi-step user operations.
//
// No method returns a panic or blocks on the network: failures degrade
// to logged drops. A Sentinel built from an invalid configuration stays
// usable but inert.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/config"
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
	"github.com/fanguyun/edge-sentinel-sdk/internal/logging"
	"github.com/fanguyun/edge-sentinel-sdk/internal/metrics"
	"github.com/fanguyun/edge-sentinel-sdk/internal/operation"
	"github.com/fanguyun/edge-sentinel-sdk/internal/pipeline"
	"github.com/fanguyun/edge-sentinel-sdk/internal/result"
	"github.com/fanguyun/edge-sentinel-sdk/internal/signal"
	"github.com/fanguyun/edge-sentinel-sdk/internal/transport"
)

// Re-exported types so callers can name them.
type (
	Options      = config.Options
	Strategy     = config.Strategy
	Event        = event.Event
	EventKind    = event.Kind
	BaseInfo     = event.BaseInfo
	Signal       = signal.Signal
	SignalKind   = signal.Kind
	SignalSource = signal.Source
	SignalBus    = signal.Bus
	Target       = signal.Target
	LogRecord    = logging.Record
	Operation    = operation.Operation
	FlushResult  = pipeline.FlushResult
)

// Report strategies.
const (
	StrategyImmediate = config.StrategyImmediate
	StrategyBatch     = config.StrategyBatch
	StrategyPeriodic  = config.StrategyPeriodic
)

// Host signal kinds.
const (
	SignalInteraction = signal.KindInteraction
	SignalVisibility  = signal.KindVisibility
	SignalRoute       = signal.KindRoute
	SignalUnload      = signal.KindUnload
	SignalOnline      = signal.KindOnline
	SignalOffline     = signal.KindOffline
)

// NewSignalBus returns a bus hosts can publish to and pass to
// WithSignals.
func NewSignalBus() *SignalBus {
	return signal.NewBus(nil)
}

// ErrDestroyed is returned by calls made after Destroy.
var ErrDestroyed = errors.New("sentinel destroyed")

// DefaultOptions returns the default configuration. Set AppID,
// ReportURL and UserKey before passing it to New.
func DefaultOptions() Options {
	return config.Defaults()
}

// NewEvent builds an event stamped at timestamp (epoch milliseconds).
func NewEvent(kind EventKind, timestamp int64, data map[string]any) Event {
	return event.New(kind, timestamp, data)
}

// Sentinel is one SDK instance.
type Sentinel struct {
	log     *logging.Logger
	logger  *slog.Logger
	clock   clock.Clock
	signals signal.Source
	metrics *metrics.Metrics

	// configErr is set when construction failed validation. The
	// instance then drops everything.
	configErr error

	sender   *transport.Sender
	pipeline *pipeline.Reporter
	tracker  *operation.Tracker

	update    sync.Mutex
	destroyed atomic.Bool
	destroy   sync.Once
}

// New builds a Sentinel from opts. Zero-valued scalar settings take
// their defaults; start from DefaultOptions to keep boolean defaults.
//
// An invalid configuration returns the error together with a non-nil
// Sentinel in error state: every call on it is a logged no-op.
func New(opts Options, options ...Option) (*Sentinel, error) {
	var b builder
	for _, o := range options {
		o(&b)
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.signals == nil {
		b.signals = signal.NewBus(nil)
	}

	cfg := opts.Clone().ApplyDefaults()

	log := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Debug:      cfg.DebugMode,
		MaxHistory: cfg.MaxLogHistory,
		Callback:   cfg.DebugCallback,
		Handler:    b.handler,
	})
	s := &Sentinel{
		log:     log,
		logger:  log.With("component", "sentinel"),
		clock:   b.clock,
		signals: b.signals,
		metrics: metrics.New(),
	}

	if err := cfg.Validate(); err != nil {
		s.configErr = result.Wrap(result.KindConfig, "init", err)
		s.logger.Error("invalid configuration, sentinel disabled", "error", err)
		return s, s.configErr
	}

	s.sender = transport.NewSender(transportConfig(cfg), b.httpClient, log.Logger, s.metrics)
	s.pipeline = pipeline.New(pipeline.Options{
		Config:   cfg,
		BaseInfo: b.baseInfo,
		Sender:   s.sender,
		Signals:  b.signals,
		Logger:   log.Logger,
		Clock:    b.clock,
		Random:   b.random,
		Metrics:  s.metrics,
	})
	s.tracker = operation.NewTracker(operation.Options{
		Reporter:            s.pipeline,
		Logger:              log.Logger,
		Clock:               b.clock,
		Signals:             b.signals,
		Metrics:             s.metrics,
		InactivityThreshold: cfg.OperationInactivityThreshold,
		MaxDuration:         cfg.OperationMaxDuration,
		CheckInterval:       cfg.OperationCheckInterval,
	})

	s.pipeline.Start()
	if cfg.EnableOperationTracking {
		s.tracker.EnableAutoTracking()
	}
	s.logger.Info("sentinel initialized",
		"app_id", cfg.AppID,
		"session_id", s.pipeline.SessionID(),
		"strategy", cfg.ReportStrategy,
		"offline_cache", s.pipeline.Caching())
	return s, nil
}

func transportConfig(cfg Options) transport.Config {
	return transport.Config{
		URL:              cfg.ReportURL,
		Compression:      cfg.EnableCompression,
		CompressionLevel: cfg.CompressionLevel,
		Timeout:          cfg.RequestTimeout,
	}
}

// usable gates every public call. It logs why a call is ignored.
func (s *Sentinel) usable(call string) bool {
	if s == nil {
		return false
	}
	if s.configErr != nil {
		s.metrics.Discarded(metrics.ReasonErrorState, 1)
		s.logger.Warn("sentinel is in error state, call ignored", "call", call)
		return false
	}
	if s.destroyed.Load() {
		s.logger.Debug("sentinel destroyed, call ignored", "call", call)
		return false
	}
	return true
}

func (s *Sentinel) unusable() error {
	if s != nil && s.configErr != nil {
		return s.configErr
	}
	return ErrDestroyed
}

// Err returns the configuration error that disabled s, if any.
func (s *Sentinel) Err() error {
	return s.configErr
}

// Report sends ev through the pipeline. It is the producer interface
// for collaborators that build their own events.
func (s *Sentinel) Report(ev Event) {
	if !s.usable("report") {
		return
	}
	s.pipeline.Report(ev)
}

// Flush delivers one batch of cached events now.
func (s *Sentinel) Flush(ctx context.Context) FlushResult {
	if !s.usable("flush") {
		return FlushResult{Trigger: metrics.TriggerManual, Err: s.unusable()}
	}
	return s.pipeline.Flush(ctx, metrics.TriggerManual)
}

// Pending returns the number of cached events awaiting delivery. After
// Destroy it reports what the final flush could not deliver.
func (s *Sentinel) Pending(ctx context.Context) int {
	if s != nil && s.configErr == nil && s.destroyed.Load() {
		return s.pipeline.Pending(ctx)
	}
	if !s.usable("pending") {
		return 0
	}
	return s.pipeline.Pending(ctx)
}

// SetOnline tells the SDK about network transitions. Going online
// flushes cached events at once.
func (s *Sentinel) SetOnline(online bool) {
	if !s.usable("set online") {
		return
	}
	if online {
		s.pipeline.HandleOnline()
	} else {
		s.pipeline.HandleOffline()
	}
}

// Publish forwards a host signal to subscribers when the signal source
// is the SDK's own bus or another source that accepts publishing.
func (s *Sentinel) Publish(sig Signal) {
	if !s.usable("publish") {
		return
	}
	p, ok := s.signals.(interface{ Publish(signal.Signal) })
	if !ok {
		s.logger.Warn("signal source does not accept publishing", "kind", sig.Kind)
		return
	}
	p.Publish(sig)
}

// Signals returns the signal source the SDK listens to.
func (s *Sentinel) Signals() signal.Source {
	return s.signals
}

// Config returns the current configuration snapshot.
func (s *Sentinel) Config() Options {
	if s.pipeline == nil {
		return Options{}
	}
	return s.pipeline.Config()
}

// SessionID returns the identifier stamped on every envelope.
func (s *Sentinel) SessionID() string {
	if s.pipeline == nil {
		return ""
	}
	return s.pipeline.SessionID()
}

// Logs returns the retained internal log records, oldest first.
func (s *Sentinel) Logs() []LogRecord {
	return s.log.History()
}

// MetricsHandler serves the SDK's Prometheus metrics.
func (s *Sentinel) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// UpdateConfig applies patch to a copy of the current configuration.
// An invalid result is rejected and the current configuration kept.
func (s *Sentinel) UpdateConfig(patch func(*Options)) error {
	if !s.usable("update config") {
		return s.unusable()
	}
	return s.ApplyConfig(s.pipeline.Config().With(patch))
}

// ApplyConfig replaces the configuration with next. Only the
// subsystems whose settings changed are touched.
func (s *Sentinel) ApplyConfig(next Options) (err error) {
	if !s.usable("apply config") {
		return s.unusable()
	}
	defer result.Capture(&err, "apply config")

	s.update.Lock()
	defer s.update.Unlock()

	next = next.Clone().ApplyDefaults()
	if err := next.Validate(); err != nil {
		s.logger.Warn("configuration update rejected", "error", err)
		return result.Wrap(result.KindConfig, "apply config", err)
	}

	changes := s.pipeline.Apply(next)
	if changes.Transport {
		s.sender.Configure(transportConfig(next))
	}
	if changes.Logging {
		s.log.SetLevel(next.LogLevel, next.DebugMode)
		s.log.SetCallback(next.DebugCallback)
	}
	if changes.Operations {
		s.tracker.UpdateThresholds(next.OperationInactivityThreshold, next.OperationMaxDuration)
		if next.EnableOperationTracking {
			s.tracker.EnableAutoTracking()
		} else {
			s.tracker.DisableAutoTracking()
		}
	}
	if changes.Any() {
		s.logger.Info("configuration updated", "changed", changes.String())
	}
	return nil
}

// Destroy interrupts open operations, makes a final flush, stops every
// timer and closes the queue. It is idempotent; later calls on s are
// no-ops.
func (s *Sentinel) Destroy(ctx context.Context) (err error) {
	if s == nil || s.configErr != nil {
		return nil
	}
	defer result.Capture(&err, "destroy")

	s.destroy.Do(func() {
		if n := s.tracker.InterruptAll(); n > 0 {
			s.logger.Info("interrupted open operations", "count", n)
		}
		s.tracker.DisableAutoTracking()
		s.destroyed.Store(true)

		s.pipeline.Stop(ctx)
		if cerr := s.sender.Close(ctx); cerr != nil {
			err = fmt.Errorf("closing transport: %w", cerr)
		}
		s.logger.Info("sentinel destroyed")
	})
	return err
}
