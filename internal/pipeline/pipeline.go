// Package pipeline is the reporting orchestrator. Every event passes
// the same stages: error-state gate, sampling, redaction, envelope
// construction, then routing to either the durable queue or the
// transport. Stages return errors classified by result.Kind; Report is
// the single place where they are absorbed and logged.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/config"
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
	"github.com/fanguyun/edge-sentinel-sdk/internal/metrics"
	"github.com/fanguyun/edge-sentinel-sdk/internal/redact"
	"github.com/fanguyun/edge-sentinel-sdk/internal/result"
	"github.com/fanguyun/edge-sentinel-sdk/internal/sampling"
	"github.com/fanguyun/edge-sentinel-sdk/internal/signal"
	"github.com/fanguyun/edge-sentinel-sdk/internal/store"
)

// Sender delivers payloads. Send and SendUrgent must not block;
// SendUrgent payloads survive buffer overflow ahead of Send payloads.
// Deliver reports the outcome and is used by flushes.
type Sender interface {
	Send(payload any)
	SendUrgent(payload any)
	Deliver(ctx context.Context, payload any) error
}

// QueueOpener creates the durable queue for a cache path.
type QueueOpener func(path string) store.Queue

// Options configures a Reporter.
type Options struct {
	Config    config.Options
	SessionID string
	BaseInfo  *event.BaseInfo

	Sender    Sender
	OpenQueue QueueOpener
	Signals   signal.Source
	Logger    *slog.Logger
	Clock     clock.Clock
	Random    func() float64
	Metrics   *metrics.Metrics
}

// Reporter routes events to the collector.
type Reporter struct {
	logger    *slog.Logger
	clock     clock.Clock
	sender    Sender
	openQueue QueueOpener
	signals   signal.Source
	metrics   *metrics.Metrics
	sampler   *sampling.Engine
	sessionID string
	baseInfo  *event.BaseInfo

	mu       sync.RWMutex
	cfg      config.Options
	redactor *redact.Redactor
	queue    store.Queue

	online  atomic.Bool
	stopped atomic.Bool
	// leftover is the cache depth after Stop's final drain.
	leftover atomic.Int64
	flights  singleflight.Group

	lifecycle sync.Mutex
	started   bool
	triggers  chan string
	cancel    context.CancelFunc
	done      chan struct{}
	timer     *flushTimer
	unsub     []signal.Unsubscribe
}

// New creates a Reporter. The durable queue is opened immediately when
// offline caching is enabled; call Start to begin timed flushing.
func New(opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SessionID == "" {
		opts.SessionID = event.NewSessionID()
	}
	if opts.BaseInfo == nil {
		opts.BaseInfo = event.CollectBaseInfo(opts.Clock.Now())
	}
	logger := opts.Logger.With("component", "pipeline")
	if opts.OpenQueue == nil {
		opts.OpenQueue = func(path string) store.Queue {
			return store.NewSQLiteQueue(path, opts.Logger, opts.Clock)
		}
	}

	r := &Reporter{
		logger:    logger,
		clock:     opts.Clock,
		sender:    opts.Sender,
		openQueue: opts.OpenQueue,
		signals:   opts.Signals,
		metrics:   opts.Metrics,
		sampler:   sampling.New(opts.Logger, opts.Clock, opts.Random),
		sessionID: opts.SessionID,
		baseInfo:  opts.BaseInfo,
		cfg:       opts.Config.Clone(),
		triggers:  make(chan string, 8),
	}
	r.online.Store(true)
	r.redactor = redact.New(r.cfg.SensitiveFields, r.cfg.CustomSensitiveHandler, opts.Logger)
	r.configureSampling(r.cfg)
	r.queue = r.open(r.cfg)
	return r
}

// SessionID returns the session identifier stamped on every envelope.
func (r *Reporter) SessionID() string { return r.sessionID }

// BaseInfo returns the shared host snapshot.
func (r *Reporter) BaseInfo() *event.BaseInfo { return r.baseInfo }

// Config returns the current configuration snapshot.
func (r *Reporter) Config() config.Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Clone()
}

// Caching reports whether events are routed through the durable queue.
func (r *Reporter) Caching() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cachingLocked()
}

func (r *Reporter) cachingLocked() bool {
	return r.queue != nil && r.cfg.EnableOfflineCache && r.cfg.ReportStrategy != config.StrategyImmediate
}

// Report runs ev through the pipeline. It never blocks on the network
// and never panics.
func (r *Reporter) Report(ev event.Event) {
	defer result.Recover(r.logger, "report")

	if err := r.report(ev, false); err != nil {
		result.Absorb(r.logger, "event not reported", err)
	}
}

// ReportUrgent is Report for events that must outlive a teardown, such
// as interrupted operations. When the event bypasses the cache it is
// sent at high priority.
func (r *Reporter) ReportUrgent(ev event.Event) {
	defer result.Recover(r.logger, "report")

	if err := r.report(ev, true); err != nil {
		result.Absorb(r.logger, "event not reported", err)
	}
}

func (r *Reporter) report(ev event.Event, urgent bool) (err error) {
	defer result.Capture(&err, "report")

	if r.stopped.Load() {
		r.metrics.Discarded(metrics.ReasonDestroyed, 1)
		return result.Errorf(result.KindDropped, "gate", "reporter stopped, dropping %s event", ev.Type())
	}
	if ev.IsZero() || ev.Type() == "" {
		return result.Errorf(result.KindData, "gate", "event has no type")
	}

	r.mu.RLock()
	cfg := r.cfg
	redactor := r.redactor
	r.mu.RUnlock()

	if !r.sample(cfg, ev) {
		r.metrics.Discarded(metrics.ReasonSampleRate, 1)
		return result.Errorf(result.KindDropped, "sampling", "%s event sampled out", ev.Type())
	}

	env := event.Envelope{
		AppID:     cfg.AppID,
		UserKey:   cfg.UserKey,
		SessionID: r.sessionID,
		BaseInfo:  r.baseInfo,
		Event:     ev.WithData(redactor.Redact(ev.Data())),
	}
	r.metrics.EventReported(string(ev.Type()))

	return r.route(env, urgent)
}

// sample applies the sampling gate. Session replay events are sampled
// by their producer and always pass.
func (r *Reporter) sample(cfg config.Options, ev event.Event) bool {
	if !cfg.EnableSampling || ev.Type() == event.KindReplaySession {
		return true
	}
	eventType := string(ev.Type())
	if _, ok := r.sampler.Config(eventType); !ok && cfg.DefaultSamplingRate < 1 {
		if err := r.sampler.Configure(eventType, sampling.Options{
			Rate:     cfg.DefaultSamplingRate,
			Strategy: sampling.StrategyRandom,
		}); err != nil {
			r.logger.Warn("default sampling not applied", "type", eventType, "error", err)
		}
	}
	return r.sampler.ShouldSample(eventType, ev.Data())
}

func (r *Reporter) route(env event.Envelope, urgent bool) error {
	r.mu.RLock()
	caching := r.cachingLocked()
	q := r.queue
	cfg := r.cfg
	r.mu.RUnlock()

	r.logger.Debug("routing event", "type", env.Event.Type(), "cached", caching, "urgent", urgent)
	if !caching {
		r.send(env, urgent)
		return nil
	}

	ctx := context.Background()
	if !q.Save(ctx, env) {
		r.logger.Warn("cache write failed, sending immediately", "type", env.Event.Type())
		r.send(env, urgent)
		return nil
	}

	depth := q.Count(ctx)
	if depth > cfg.MaxCacheSize {
		evicted := q.TrimToSize(ctx, cfg.MaxCacheSize)
		r.metrics.Discarded(metrics.ReasonQueueOverflow, int(evicted))
		depth -= int(evicted)
	}
	r.metrics.SetQueueDepth(depth)

	if cfg.ReportStrategy == config.StrategyBatch && depth >= cfg.BatchSize {
		r.trigger(metrics.TriggerThreshold)
	}
	return nil
}

func (r *Reporter) send(env event.Envelope, urgent bool) {
	if urgent {
		r.sender.SendUrgent(env)
		return
	}
	r.sender.Send(env)
}

// Pending returns the durable queue depth, or 0 when not caching.
// After Stop it returns what the final drain left in the cache.
func (r *Reporter) Pending(ctx context.Context) int {
	r.mu.RLock()
	q := r.queue
	r.mu.RUnlock()
	if q == nil {
		if r.stopped.Load() {
			return int(r.leftover.Load())
		}
		return 0
	}
	return q.Count(ctx)
}

// open creates and initializes the durable queue for cfg. A nil result
// means events are sent immediately.
func (r *Reporter) open(cfg config.Options) store.Queue {
	if !cfg.EnableOfflineCache {
		return nil
	}
	path := cfg.CachePath
	if path == "" {
		path = store.MemoryPath
	}
	q := r.openQueue(path)
	if !q.Init(context.Background()) {
		r.logger.Warn("offline cache unavailable, falling back to immediate send", "path", path)
		_ = q.Close()
		return nil
	}
	return q
}

func (r *Reporter) configureSampling(cfg config.Options) {
	r.sampler.Reset()
	if !cfg.EnableSampling {
		return
	}
	if err := r.sampler.ConfigureAll(cfg.SamplingConfig); err != nil {
		r.logger.Warn("sampling configuration rejected", "error", err)
	}
}
