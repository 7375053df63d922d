// Package signal is the capability boundary between the SDK core and
// the host environment. Host adapters publish abstract signals
// (interactions, visibility, routing, connectivity, unload); the core
// subscribes without knowing where they come from.
package signal

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/result"
)

// Kind names a signal family.
type Kind string

const (
	KindInteraction Kind = "interaction"
	KindVisibility  Kind = "visibility"
	KindRoute       Kind = "route"
	KindUnload      Kind = "unload"
	KindOnline      Kind = "online"
	KindOffline     Kind = "offline"
)

// Target is the minimal descriptor of an interaction target.
type Target struct {
	Tag   string `json:"tag,omitempty"`
	ID    string `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
}

// Signal is one host notification.
type Signal struct {
	Kind Kind
	Time time.Time

	// Interaction is the interaction type (click, keydown, scroll,
	// move, touch) for KindInteraction.
	Interaction string
	Target      Target

	// Visible is set for KindVisibility.
	Visible bool

	// URL is the new location for KindRoute.
	URL string
}

// Handler receives signals.
type Handler func(Signal)

// Unsubscribe detaches a handler. Calling it more than once is a no-op.
type Unsubscribe func()

// Source is the capability the core depends on.
type Source interface {
	Subscribe(kind Kind, h Handler) Unsubscribe
}

// Bus is an in-process Source that hosts publish into.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Kind]map[uint64]Handler
	logger   *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		handlers: make(map[Kind]map[uint64]Handler),
		logger:   logger,
	}
}

// Subscribe registers h for kind.
func (b *Bus) Subscribe(kind Kind, h Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[kind], id)
		})
	}
}

// Publish delivers s to every handler of its kind in subscription
// order. A panicking handler is logged and skipped.
func (b *Bus) Publish(s Signal) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers[s.Kind]))
	for id := range b.handlers[s.Kind] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = b.handlers[s.Kind][id]
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(h, s)
	}
}

func (b *Bus) deliver(h Handler, s Signal) {
	defer result.Recover(b.logger, "signal handler "+string(s.Kind))
	h(s)
}

// Subscribers returns the number of handlers registered for kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// Interaction builds an interaction signal.
func Interaction(kind string, target Target) Signal {
	return Signal{Kind: KindInteraction, Interaction: kind, Target: target}
}

// Visibility builds a visibility signal.
func Visibility(visible bool) Signal {
	return Signal{Kind: KindVisibility, Visible: visible}
}

// Route builds a route-change signal.
func Route(url string) Signal {
	return Signal{Kind: KindRoute, URL: url}
}
