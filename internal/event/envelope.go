package event

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// SDKVersion is reported in BaseInfo.
const SDKVersion = "1.0.0"

// BaseInfo is a snapshot of the host context captured once at
// initialization and shared by pointer across every envelope of a
// session. It must not be modified after capture.
type BaseInfo struct {
	SDKVersion string            `json:"sdkVersion"`
	OS         string            `json:"os"`
	Arch       string            `json:"arch"`
	GoVersion  string            `json:"goVersion"`
	Hostname   string            `json:"hostname,omitempty"`
	NumCPU     int               `json:"numCpu"`
	CapturedAt int64             `json:"capturedAt"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// CollectBaseInfo captures the default runtime context.
func CollectBaseInfo(now time.Time) *BaseInfo {
	host, _ := os.Hostname()
	return &BaseInfo{
		SDKVersion: SDKVersion,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		GoVersion:  runtime.Version(),
		Hostname:   host,
		NumCPU:     runtime.NumCPU(),
		CapturedAt: now.UnixMilli(),
	}
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Envelope wraps an Event with the identity fields every delivered
// record carries.
type Envelope struct {
	AppID     string
	UserKey   string
	SessionID string
	BaseInfo  *BaseInfo
	Event     Event
}

type wireEnvelope struct {
	AppID     string         `json:"appId"`
	UserKey   string         `json:"userKey"`
	SessionID string         `json:"sessionId"`
	BaseInfo  *BaseInfo      `json:"baseInfo,omitempty"`
	Type      Kind           `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		AppID:     e.AppID,
		UserKey:   e.UserKey,
		SessionID: e.SessionID,
		BaseInfo:  e.BaseInfo,
		Type:      e.Event.kind,
		Timestamp: e.Event.timestamp,
		Data:      e.Event.data,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	*e = Envelope{
		AppID:     w.AppID,
		UserKey:   w.UserKey,
		SessionID: w.SessionID,
		BaseInfo:  w.BaseInfo,
		Event:     Event{kind: w.Type, timestamp: w.Timestamp, data: w.Data},
	}
	return nil
}

// TypeBatch discriminates aggregated flush payloads.
const TypeBatch = "batch"

// Batch is the payload of a queue flush: the cached envelopes in
// delivery order.
type Batch struct {
	Type      string            `json:"type"`
	Items     []json.RawMessage `json:"items"`
	Count     int               `json:"count"`
	Timestamp int64             `json:"timestamp"`
}

// NewBatch builds a Batch stamped at timestamp (epoch milliseconds).
func NewBatch(items []json.RawMessage, timestamp int64) Batch {
	return Batch{Type: TypeBatch, Items: items, Count: len(items), Timestamp: timestamp}
}
