package operation

import (
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/result"
	"github.com/fanguyun/edge-sentinel-sdk/internal/signal"
)

type autoState struct {
	enabled         bool
	current         string
	lastInteraction time.Time
	unsubscribe     []signal.Unsubscribe
	stop            chan struct{}
	done            chan struct{}
}

// AutoTracking reports whether auto-tracking is enabled.
func (t *Tracker) AutoTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.auto.enabled
}

// Current returns the id of the current auto-tracked operation, or "".
func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.auto.current
}

// EnableAutoTracking subscribes to host signals and starts the
// liveness check. Calling it again while enabled does nothing.
func (t *Tracker) EnableAutoTracking() {
	defer result.Recover(t.logger, "enable auto tracking")

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.auto.enabled {
		return
	}
	if t.signals == nil {
		t.logger.Warn("auto tracking needs a signal source")
		return
	}

	t.auto.enabled = true
	t.auto.lastInteraction = t.clock.Now()
	t.auto.unsubscribe = []signal.Unsubscribe{
		t.signals.Subscribe(signal.KindInteraction, t.onInteraction),
		t.signals.Subscribe(signal.KindVisibility, t.onVisibility),
		t.signals.Subscribe(signal.KindRoute, t.onRoute),
		t.signals.Subscribe(signal.KindUnload, func(signal.Signal) { t.InterruptAll() }),
	}

	t.auto.stop = make(chan struct{})
	t.auto.done = make(chan struct{})
	ticker := t.clock.NewTicker(t.checkInterval)
	go t.watch(ticker, t.auto.stop, t.auto.done)

	t.logger.Debug("auto tracking enabled", "check_interval", t.checkInterval)
}

// DisableAutoTracking detaches every signal handler, stops the liveness
// check and completes the current auto operation. Idempotent.
func (t *Tracker) DisableAutoTracking() {
	defer result.Recover(t.logger, "disable auto tracking")

	t.mu.Lock()
	if !t.auto.enabled {
		t.mu.Unlock()
		return
	}
	t.auto.enabled = false
	for _, unsub := range t.auto.unsubscribe {
		unsub()
	}
	t.auto.unsubscribe = nil
	close(t.auto.stop)
	done := t.auto.done
	t.completeCurrentLocked(ReasonTrackingStopped, nil)
	t.mu.Unlock()

	// The watcher may be waiting on t.mu inside CheckLiveness.
	<-done
	t.logger.Debug("auto tracking disabled")
}

func (t *Tracker) watch(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.CheckLiveness()
		}
	}
}

// CheckLiveness ends the current auto operation when it has run past
// the maximum duration (a fresh one is started in its place) or seen
// no interaction for the inactivity threshold.
func (t *Tracker) CheckLiveness() {
	defer result.Recover(t.logger, "operation liveness")

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.auto.enabled || t.auto.current == "" {
		return
	}
	op, ok := t.active[t.auto.current]
	if !ok {
		t.auto.current = ""
		return
	}

	now := t.clock.Now()
	elapsed := time.Duration(clock.Millis(now)-op.StartTime) * time.Millisecond
	switch {
	case elapsed > t.maxDuration:
		t.completeCurrentLocked(ReasonTimeout, nil)
		t.startAutoLocked(nil)
	case now.Sub(t.auto.lastInteraction) > t.inactivity:
		t.completeCurrentLocked(ReasonInactivity, nil)
	}
}

func (t *Tracker) onInteraction(s signal.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.auto.enabled {
		return
	}
	t.auto.lastInteraction = t.clock.Now()

	op, ok := t.active[t.auto.current]
	if !ok {
		t.startAutoLocked(map[string]any{"trigger": s.Interaction})
		return
	}
	t.addStepLocked(op, s.Interaction, map[string]any{
		"type": s.Interaction,
		"target": map[string]any{
			"tag":   s.Target.Tag,
			"id":    s.Target.ID,
			"class": s.Target.Class,
		},
	})
}

func (t *Tracker) onVisibility(s signal.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.auto.enabled {
		return
	}
	if !s.Visible {
		t.completeCurrentLocked(ReasonHidden, nil)
		return
	}
	if t.auto.current == "" {
		t.auto.lastInteraction = t.clock.Now()
		t.startAutoLocked(nil)
	}
}

func (t *Tracker) onRoute(s signal.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.auto.enabled {
		return
	}
	t.completeCurrentLocked(ReasonRouteChange, map[string]any{"url": s.URL})
	t.auto.lastInteraction = t.clock.Now()
	t.startAutoLocked(map[string]any{"url": s.URL})
}

func (t *Tracker) startAutoLocked(metadata map[string]any) {
	t.auto.current = t.startLocked(AutoOperationName, metadata, true).ID
}

func (t *Tracker) completeCurrentLocked(reason string, extra map[string]any) {
	op, ok := t.active[t.auto.current]
	if !ok {
		t.auto.current = ""
		return
	}
	data := map[string]any{"reason": reason}
	for k, v := range extra {
		data[k] = v
	}
	op.ResultData = data
	t.endLocked(op, StatusCompleted)
}
