// Package operation tracks multi-step user operations and reports their
// lifecycle as operation events.
//
// An operation moves STARTED -> IN_PROGRESS -> COMPLETED|FAILED, or
// sideways to CANCELLED or INTERRUPTED. Every transition is reported,
// including the start. Terminal operations are reported and forgotten.
package operation

import (
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
)

// Status is the lifecycle state of an Operation.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
	StatusInterrupted Status = "INTERRUPTED"
)

// Terminal reports whether s ends an operation.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}

// Completion reasons recorded by auto-tracking.
const (
	ReasonTimeout         = "timeout"
	ReasonInactivity      = "inactivity"
	ReasonHidden          = "page not visible"
	ReasonRouteChange     = "route change"
	ReasonTrackingStopped = "auto tracking disabled"
)

// AutoOperationName names operations opened by auto-tracking.
const AutoOperationName = "user interaction"

// Step is one recorded action within an operation.
type Step struct {
	Name      string         `json:"stepName"`
	Data      map[string]any `json:"stepData,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Operation is a snapshot of a tracked operation. Times are epoch
// milliseconds; EndTime and Duration are zero until it terminates.
type Operation struct {
	ID           string         `json:"operationId"`
	Name         string         `json:"operationName"`
	Status       Status         `json:"status"`
	StartTime    int64          `json:"startTime"`
	EndTime      int64          `json:"endTime,omitempty"`
	Duration     int64          `json:"duration,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Steps        []Step         `json:"steps"`
	ResultData   map[string]any `json:"resultData,omitempty"`
	CancelReason string         `json:"cancelReason,omitempty"`
	Timestamp    int64          `json:"timestamp"`
	Auto         bool           `json:"autoTracked,omitempty"`
}

func (op *Operation) clone() Operation {
	out := *op
	out.Metadata = event.DeepCopyMap(op.Metadata)
	out.ResultData = event.DeepCopyMap(op.ResultData)
	out.Steps = make([]Step, len(op.Steps))
	for i, s := range op.Steps {
		out.Steps[i] = Step{Name: s.Name, Data: event.DeepCopyMap(s.Data), Timestamp: s.Timestamp}
	}
	return out
}

// finish moves op to a terminal status at now.
func (op *Operation) finish(status Status, now int64) {
	op.Status = status
	op.EndTime = now
	op.Duration = max(now-op.StartTime, 0)
	op.Timestamp = now
}

// Data renders op as an operation event payload.
func (op *Operation) Data() map[string]any {
	steps := make([]any, len(op.Steps))
	for i, s := range op.Steps {
		step := map[string]any{"stepName": s.Name, "timestamp": s.Timestamp}
		if s.Data != nil {
			step["stepData"] = event.DeepCopyMap(s.Data)
		}
		steps[i] = step
	}

	data := map[string]any{
		"operationId":   op.ID,
		"operationName": op.Name,
		"status":        string(op.Status),
		"startTime":     op.StartTime,
		"steps":         steps,
		"timestamp":     op.Timestamp,
	}
	if op.Status.Terminal() {
		data["endTime"] = op.EndTime
		data["duration"] = op.Duration
	}
	if op.Metadata != nil {
		data["metadata"] = event.DeepCopyMap(op.Metadata)
	}
	if op.ResultData != nil {
		data["resultData"] = event.DeepCopyMap(op.ResultData)
	}
	if op.CancelReason != "" {
		data["cancelReason"] = op.CancelReason
	}
	if op.Auto {
		data["autoTracked"] = true
	}
	return data
}
