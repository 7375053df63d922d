package operation

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
	"github.com/fanguyun/edge-sentinel-sdk/internal/metrics"
	"github.com/fanguyun/edge-sentinel-sdk/internal/result"
	"github.com/fanguyun/edge-sentinel-sdk/internal/signal"
)

// Defaults for auto-tracking.
const (
	DefaultInactivityThreshold = 60 * time.Second
	DefaultMaxDuration         = 300 * time.Second
	DefaultCheckInterval       = 10 * time.Second
)

// Reporter receives operation events.
type Reporter interface {
	Report(event.Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(event.Event)

// Report calls f(ev).
func (f ReporterFunc) Report(ev event.Event) { f(ev) }

// UrgentReporter is implemented by reporters with a priority lane.
// Interrupted operations are reported through it when available.
type UrgentReporter interface {
	ReportUrgent(event.Event)
}

// Options configures a Tracker.
type Options struct {
	Reporter Reporter
	Logger   *slog.Logger
	Clock    clock.Clock
	Signals  signal.Source
	Metrics  *metrics.Metrics

	InactivityThreshold time.Duration
	MaxDuration         time.Duration
	CheckInterval       time.Duration
}

// Tracker owns the active operations. Safe for concurrent use; events
// are reported in transition order.
type Tracker struct {
	mu       sync.Mutex
	reporter Reporter
	logger   *slog.Logger
	clock    clock.Clock
	signals  signal.Source
	metrics  *metrics.Metrics

	inactivity    time.Duration
	maxDuration   time.Duration
	checkInterval time.Duration

	active map[string]*Operation
	auto   autoState
}

// NewTracker creates a Tracker. Auto-tracking starts disabled.
func NewTracker(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Reporter == nil {
		opts.Reporter = ReporterFunc(func(event.Event) {})
	}
	if opts.InactivityThreshold <= 0 {
		opts.InactivityThreshold = DefaultInactivityThreshold
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}

	return &Tracker{
		reporter:      opts.Reporter,
		logger:        opts.Logger.With("component", "operation"),
		clock:         opts.Clock,
		signals:       opts.Signals,
		metrics:       opts.Metrics,
		inactivity:    opts.InactivityThreshold,
		maxDuration:   opts.MaxDuration,
		checkInterval: opts.CheckInterval,
		active:        make(map[string]*Operation),
	}
}

// StartOperation opens an operation and reports it. It returns "" if
// name is empty.
func (t *Tracker) StartOperation(name string, metadata map[string]any) string {
	defer result.Recover(t.logger, "start operation")

	if name == "" {
		t.misuse("operation name is empty")
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked(name, metadata, false).ID
}

func (t *Tracker) startLocked(name string, metadata map[string]any, auto bool) *Operation {
	now := clock.Millis(t.clock.Now())
	op := &Operation{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusStarted,
		StartTime: now,
		Metadata:  event.DeepCopyMap(metadata),
		Steps:     []Step{},
		Timestamp: now,
		Auto:      auto,
	}
	t.active[op.ID] = op
	t.metrics.SetOperationsActive(len(t.active))
	t.logger.Debug("operation started", "id", op.ID, "name", name)
	t.emitLocked(op)
	return op
}

// AddStep appends a step and reports the updated operation.
func (t *Tracker) AddStep(id, name string, data map[string]any) bool {
	defer result.Recover(t.logger, "add operation step")

	if id == "" || name == "" {
		t.misuse("operation step needs an id and a name, got %q and %q", id, name)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[id]
	if !ok {
		t.misuse("unknown operation %q", id)
		return false
	}
	t.addStepLocked(op, name, data)
	return true
}

func (t *Tracker) addStepLocked(op *Operation, name string, data map[string]any) {
	now := clock.Millis(t.clock.Now())
	op.Steps = append(op.Steps, Step{Name: name, Data: event.DeepCopyMap(data), Timestamp: now})
	op.Status = StatusInProgress
	op.Timestamp = now
	t.emitLocked(op)
}

// CompleteOperation ends an operation as COMPLETED or FAILED.
func (t *Tracker) CompleteOperation(id string, resultData map[string]any, success bool) bool {
	defer result.Recover(t.logger, "complete operation")

	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[id]
	if !ok {
		t.misuse("unknown operation %q", id)
		return false
	}
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}
	op.ResultData = event.DeepCopyMap(resultData)
	t.endLocked(op, status)
	return true
}

// CancelOperation ends an operation as CANCELLED.
func (t *Tracker) CancelOperation(id, reason string) bool {
	defer result.Recover(t.logger, "cancel operation")

	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[id]
	if !ok {
		t.misuse("unknown operation %q", id)
		return false
	}
	op.CancelReason = reason
	t.endLocked(op, StatusCancelled)
	return true
}

// InterruptAll ends every active operation as INTERRUPTED. Called when
// the host shuts down so no operation goes unreported.
func (t *Tracker) InterruptAll() int {
	defer result.Recover(t.logger, "interrupt operations")

	t.mu.Lock()
	defer t.mu.Unlock()

	ops := t.sortedLocked()
	for _, op := range ops {
		t.endLocked(op, StatusInterrupted)
	}
	if len(ops) > 0 {
		t.logger.Info("operations interrupted", "count", len(ops))
	}
	return len(ops)
}

func (t *Tracker) endLocked(op *Operation, status Status) {
	op.finish(status, clock.Millis(t.clock.Now()))
	delete(t.active, op.ID)
	if t.auto.current == op.ID {
		t.auto.current = ""
	}
	t.metrics.SetOperationsActive(len(t.active))
	t.logger.Debug("operation ended", "id", op.ID, "status", status, "duration_ms", op.Duration)
	t.emitLocked(op)
}

// misuse logs an API call that was ignored because of its arguments.
func (t *Tracker) misuse(format string, args ...any) {
	result.Absorb(t.logger, "operation call ignored", result.Errorf(result.KindProgrammer, "operation", format, args...))
}

func (t *Tracker) emitLocked(op *Operation) {
	defer result.Recover(t.logger, "operation reporter")
	ev := event.New(event.KindOperation, op.Timestamp, op.Data())
	if u, ok := t.reporter.(UrgentReporter); ok && op.Status == StatusInterrupted {
		u.ReportUrgent(ev)
		return
	}
	t.reporter.Report(ev)
}

// Get returns a snapshot of an active operation.
func (t *Tracker) Get(id string) (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.active[id]
	if !ok {
		return Operation{}, false
	}
	return op.clone(), true
}

// Active returns snapshots of every active operation, oldest first.
func (t *Tracker) Active() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := t.sortedLocked()
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = op.clone()
	}
	return out
}

func (t *Tracker) sortedLocked() []*Operation {
	ops := make([]*Operation, 0, len(t.active))
	for _, op := range t.active {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].StartTime != ops[j].StartTime {
			return ops[i].StartTime < ops[j].StartTime
		}
		return ops[i].ID < ops[j].ID
	})
	return ops
}

// UpdateThresholds changes the auto-tracking limits. Non-positive
// values keep the current setting.
func (t *Tracker) UpdateThresholds(inactivity, maxDuration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if inactivity > 0 {
		t.inactivity = inactivity
	}
	if maxDuration > 0 {
		t.maxDuration = maxDuration
	}
}
