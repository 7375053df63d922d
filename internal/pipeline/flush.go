package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/config"
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
	"github.com/fanguyun/edge-sentinel-sdk/internal/metrics"
	"github.com/fanguyun/edge-sentinel-sdk/internal/result"
	"github.com/fanguyun/edge-sentinel-sdk/internal/signal"
	"github.com/fanguyun/edge-sentinel-sdk/internal/store"
)

// FlushResult describes one flush attempt.
type FlushResult struct {
	Trigger   string
	Attempted int
	Delivered int
	Err       error
}

// ErrNotCaching is returned by Flush when events bypass the queue.
var ErrNotCaching = errors.New("offline cache is not active")

// flushTimeout bounds background flushes.
const flushTimeout = 30 * time.Second

// Flush delivers up to batchSize of the oldest cached envelopes as one
// batch and removes exactly the delivered ids. Concurrent calls share a
// single attempt.
func (r *Reporter) Flush(ctx context.Context, trigger string) FlushResult {
	ch := r.flights.DoChan("flush", func() (any, error) {
		res := r.flush(ctx, trigger)
		return res, res.Err
	})
	select {
	case out := <-ch:
		return out.Val.(FlushResult)
	case <-ctx.Done():
		return FlushResult{Trigger: trigger, Err: ctx.Err()}
	}
}

func (r *Reporter) flush(ctx context.Context, trigger string) (res FlushResult) {
	res.Trigger = trigger
	defer result.Capture(&res.Err, "flush")

	r.mu.RLock()
	q := r.queue
	cfg := r.cfg
	r.mu.RUnlock()

	if q == nil {
		res.Err = ErrNotCaching
		return res
	}

	res.Attempted, res.Delivered, res.Err = r.sendBatch(ctx, q, cfg, trigger)
	return res
}

// sendBatch delivers the oldest batchSize items of q as one batch. On
// success exactly those ids are removed; items saved meanwhile stay.
func (r *Reporter) sendBatch(ctx context.Context, q store.Queue, cfg config.Options, trigger string) (attempted, delivered int, err error) {
	items := q.GetBatch(ctx, cfg.BatchSize)
	if len(items) == 0 {
		return 0, 0, nil
	}

	ids := make([]int64, len(items))
	payload := make([]json.RawMessage, len(items))
	for i, item := range items {
		ids[i] = item.ID
		payload[i] = item.Data
	}

	batch := event.NewBatch(payload, clock.Millis(r.clock.Now()))
	if err := r.sender.Deliver(ctx, batch); err != nil {
		r.retryLater(ctx, q, ids, cfg.MaxRetries)
		r.logger.Warn("batch delivery failed, keeping items cached",
			"trigger", trigger, "items", len(ids), "error", err)
		return len(ids), 0, result.Wrap(result.KindIO, "flush", err)
	}

	if !q.Remove(ctx, ids) {
		r.logger.Warn("delivered items could not be removed and may be sent again", "items", len(ids))
	}
	r.metrics.Flushed(trigger, len(ids))
	r.metrics.SetQueueDepth(q.Count(ctx))
	r.logger.Debug("batch delivered", "trigger", trigger, "items", len(ids))
	return len(ids), len(ids), nil
}

func (r *Reporter) retryLater(ctx context.Context, q store.Queue, ids []int64, maxRetries int) {
	for _, id := range ids {
		q.IncrementRetry(ctx, id)
	}
	if dropped := q.DropRetryExhausted(ctx, maxRetries); dropped > 0 {
		r.metrics.Discarded(metrics.ReasonRetryExhausted, int(dropped))
		r.logger.Warn("dropped items that exhausted their retries", "count", dropped, "max_retries", maxRetries)
	}
}

// maintain evicts expired and excess items.
func (r *Reporter) maintain(ctx context.Context) {
	r.mu.RLock()
	q := r.queue
	cfg := r.cfg
	r.mu.RUnlock()
	if q == nil {
		return
	}

	if n := q.ClearExpired(ctx, cfg.MaxCacheAge); n > 0 {
		r.metrics.Discarded(metrics.ReasonExpired, int(n))
	}
	if n := q.TrimToSize(ctx, cfg.MaxCacheSize); n > 0 {
		r.metrics.Discarded(metrics.ReasonQueueOverflow, int(n))
	}
}

// trigger asks the worker for a flush. A full trigger buffer means
// flushes are already pending, so the request is dropped.
func (r *Reporter) trigger(kind string) {
	select {
	case r.triggers <- kind:
	default:
	}
}

// Start begins background flushing: the worker, the report-interval
// timer and the online signal subscription.
func (r *Reporter) Start() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.started || r.stopped.Load() {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.work(ctx)

	if r.signals != nil {
		r.unsub = append(r.unsub,
			r.signals.Subscribe(signal.KindOnline, func(signal.Signal) { r.HandleOnline() }),
			r.signals.Subscribe(signal.KindOffline, func(signal.Signal) { r.HandleOffline() }),
		)
	}
	r.restartTimerLocked()
}

func (r *Reporter) work(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case trigger := <-r.triggers:
			r.handleTrigger(ctx, trigger)
		}
	}
}

func (r *Reporter) handleTrigger(parent context.Context, trigger string) {
	defer result.Recover(r.logger, "flush worker")

	ctx, cancel := context.WithTimeout(parent, flushTimeout)
	defer cancel()

	switch trigger {
	case metrics.TriggerTimer:
		r.maintain(ctx)
		if !r.online.Load() {
			r.logger.Debug("offline, skipping timed flush")
			return
		}
	case metrics.TriggerThreshold:
		// Failed deliveries while offline would burn retries and drop
		// items before the reconnect flush.
		if !r.online.Load() {
			r.logger.Debug("offline, skipping threshold flush")
			return
		}
		// The depth may have dropped since the trigger was queued.
		r.mu.RLock()
		batchSize := r.cfg.BatchSize
		q := r.queue
		r.mu.RUnlock()
		if q == nil || q.Count(ctx) < batchSize {
			return
		}
	}

	res := r.Flush(ctx, trigger)
	if res.Err != nil && !errors.Is(res.Err, ErrNotCaching) {
		result.Absorb(r.logger, "flush failed", res.Err)
	}
}

// HandleOnline records that the network is back and flushes at once,
// without waiting for the timer.
func (r *Reporter) HandleOnline() {
	r.online.Store(true)
	if r.Caching() {
		r.trigger(metrics.TriggerOnline)
	}
}

// HandleOffline records that the network is gone. Timed flushes are
// skipped until HandleOnline.
func (r *Reporter) HandleOffline() {
	r.online.Store(false)
}

// Online reports the last known network state.
func (r *Reporter) Online() bool {
	return r.online.Load()
}

// Stop makes the final flush, stops background work and releases the
// queue. Reports after Stop are dropped. Idempotent.
func (r *Reporter) Stop(ctx context.Context) {
	defer result.Recover(r.logger, "stop pipeline")

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.stopped.Swap(true) {
		return
	}

	for _, unsub := range r.unsub {
		unsub()
	}
	r.unsub = nil
	r.stopTimerLocked()
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}

	r.mu.Lock()
	q := r.queue
	cfg := r.cfg
	r.queue = nil
	r.mu.Unlock()
	if q == nil {
		return
	}

	if cfg.ReportStrategy != config.StrategyImmediate && r.online.Load() {
		r.drain(ctx, q, cfg)
	}
	if cfg.ClearCacheOnDestroy {
		if n := q.Count(ctx); n > 0 {
			r.metrics.Discarded(metrics.ReasonDestroyed, n)
		}
		q.Clear(ctx)
	}
	r.leftover.Store(int64(q.Count(ctx)))
	if err := q.Close(); err != nil {
		r.logger.Warn("closing offline cache", "error", err)
	}
}

// drain flushes q batch by batch until it is empty or a delivery
// fails. The reporter no longer owns q.
func (r *Reporter) drain(ctx context.Context, q store.Queue, cfg config.Options) {
	for ctx.Err() == nil {
		attempted, _, err := r.sendBatch(ctx, q, cfg, metrics.TriggerDestroy)
		if attempted == 0 || err != nil {
			return
		}
	}
}

// flushTimer fires TriggerTimer at the report interval.
type flushTimer struct {
	ticker *clock.Ticker
	stop   chan struct{}
}

func (r *Reporter) restartTimerLocked() {
	r.stopTimerLocked()

	r.mu.RLock()
	caching := r.cachingLocked()
	interval := r.cfg.ReportInterval
	r.mu.RUnlock()

	if !r.started || !caching || interval <= 0 {
		return
	}

	t := &flushTimer{ticker: r.clock.NewTicker(interval), stop: make(chan struct{})}
	r.timer = t
	go func() {
		defer t.ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-t.ticker.C:
				r.trigger(metrics.TriggerTimer)
			}
		}
	}()
	r.logger.Debug("flush timer started", "interval", interval)
}

func (r *Reporter) stopTimerLocked() {
	if r.timer == nil {
		return
	}
	close(r.timer.stop)
	r.timer.ticker.Stop()
	r.timer = nil
}
