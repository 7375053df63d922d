package pipeline

import (
	"context"

	"github.com/fanguyun/edge-sentinel-sdk/internal/config"
	"github.com/fanguyun/edge-sentinel-sdk/internal/redact"
)

// Apply switches the reporter to next and reacts to what changed: the
// sampler is rebuilt, the redactor replaced, the durable queue reopened
// and the flush timer restarted as needed. It returns the changes.
func (r *Reporter) Apply(next config.Options) config.Changes {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	next = next.Clone()

	r.mu.Lock()
	prev := r.cfg
	changes := config.Diff(prev, next)
	r.cfg = next
	if changes.Redaction {
		r.redactor = redact.New(next.SensitiveFields, next.CustomSensitiveHandler, r.logger)
	}
	r.mu.Unlock()

	if !changes.Any() || r.stopped.Load() {
		return changes
	}

	if changes.Sampling {
		r.configureSampling(next)
	}

	if changes.OfflineCache && reopenNeeded(prev, next) {
		r.swapQueue(prev, next)
	}

	if changes.OfflineCache || changes.Strategy {
		r.restartTimerLocked()
	}

	r.logger.Info("configuration applied", "changed", changes.String())
	return changes
}

// reopenNeeded reports whether the queue itself must change, as
// opposed to its limits.
func reopenNeeded(prev, next config.Options) bool {
	return prev.EnableOfflineCache != next.EnableOfflineCache || prev.CachePath != next.CachePath
}

// swapQueue retires the current queue, flushing what it holds, and
// opens the one next asks for.
func (r *Reporter) swapQueue(prev, next config.Options) {
	r.mu.Lock()
	old := r.queue
	r.queue = nil
	r.mu.Unlock()

	if old != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if r.online.Load() {
			r.drain(ctx, old, prev)
		}
		cancel()
		if err := old.Close(); err != nil {
			r.logger.Warn("closing offline cache", "error", err)
		}
	}

	q := r.open(next)
	r.mu.Lock()
	r.queue = q
	r.mu.Unlock()
}
