// Package event defines the telemetry events produced by collectors
// and the envelope the pipeline wraps them in before delivery.
package event

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates event variants.
type Kind string

const (
	KindError         Kind = "error"
	KindAPI           Kind = "api"
	KindPageView      Kind = "pageview"
	KindVisibility    Kind = "visibility"
	KindLeave         Kind = "leave"
	KindCustom        Kind = "custom_event"
	KindOperation     Kind = "operation"
	KindPerformance   Kind = "performance"
	KindReplaySession Kind = "replay_session"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindError, KindAPI, KindPageView, KindVisibility, KindLeave,
	KindCustom, KindOperation, KindPerformance, KindReplaySession,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is an immutable telemetry record. The payload is copied on
// construction and on every read, so neither the producer nor the
// pipeline can mutate it after the fact.
type Event struct {
	kind      Kind
	timestamp int64
	data      map[string]any
}

// New builds an Event. timestamp is epoch milliseconds.
func New(kind Kind, timestamp int64, data map[string]any) Event {
	return Event{kind: kind, timestamp: timestamp, data: DeepCopyMap(data)}
}

// Type returns the discriminant.
func (e Event) Type() Kind { return e.kind }

// Timestamp returns epoch milliseconds.
func (e Event) Timestamp() int64 { return e.timestamp }

// Data returns a copy of the payload.
func (e Event) Data() map[string]any { return DeepCopyMap(e.data) }

// Field returns a top-level payload value.
func (e Event) Field(key string) (any, bool) {
	v, ok := e.data[key]
	return DeepCopy(v), ok
}

// WithData returns a new Event with the same kind and timestamp.
func (e Event) WithData(data map[string]any) Event {
	return New(e.kind, e.timestamp, data)
}

// IsZero reports whether e was never constructed.
func (e Event) IsZero() bool {
	return e.kind == "" && e.timestamp == 0 && e.data == nil
}

type wireEvent struct {
	Type      Kind           `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Type: e.kind, Timestamp: e.timestamp, Data: e.data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	e.kind = w.Type
	e.timestamp = w.Timestamp
	e.data = w.Data
	return nil
}

// DeepCopyMap copies m and everything reachable from it. Values other
// than maps and slices are shared.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopy(v)
	}
	return out
}

// DeepCopy copies maps and slices recursively.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = DeepCopy(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = DeepCopyMap(m)
		}
		return out
	default:
		return v
	}
}
