// Package clock abstracts wall and monotonic time so that timers and
// duration arithmetic can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the pipeline timer, the sampling
// windows and the operation tracker.
type Clock interface {
	// Now returns the current time. Real clocks carry a monotonic
	// reading, so durations computed with Sub never go negative.
	Now() time.Time

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C until Stop is called.
type Ticker struct {
	C <-chan time.Time

	stopOnce sync.Once
	stopFunc func()
}

// Stop turns off the ticker. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(t.stopFunc)
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}

// Millis returns t as epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
