package sentinel

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
)

func (s *Sentinel) now() int64 {
	return clock.Millis(s.clock.Now())
}

// merge copies extra into base without overwriting base's keys.
func merge(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		if _, taken := base[k]; !taken {
			base[k] = v
		}
	}
	return base
}

// TrackEvent reports a custom event named name.
func (s *Sentinel) TrackEvent(name string, data map[string]any) {
	if !s.usable("track event") {
		return
	}
	if name == "" {
		s.logger.Warn("track event: empty name")
		return
	}
	payload := map[string]any{"eventName": name}
	if len(data) > 0 {
		payload["properties"] = maps.Clone(data)
	}
	s.pipeline.Report(event.New(event.KindCustom, s.now(), payload))
}

// ReportError reports err with optional context. Wrapped errors are
// listed under "causes".
func (s *Sentinel) ReportError(err error, extra map[string]any) {
	if !s.usable("report error") {
		return
	}
	if err == nil {
		s.logger.Warn("report error: nil error")
		return
	}

	payload := map[string]any{
		"message":   err.Error(),
		"errorType": fmt.Sprintf("%T", err),
	}
	var causes []any
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		causes = append(causes, cause.Error())
	}
	if len(causes) > 0 {
		payload["causes"] = causes
	}
	s.pipeline.Report(event.New(event.KindError, s.now(), merge(payload, extra)))
}

// TrackPageView reports a navigation to url.
func (s *Sentinel) TrackPageView(url, referrer string) {
	if !s.usable("track page view") {
		return
	}
	payload := map[string]any{"url": url}
	if referrer != "" {
		payload["referrer"] = referrer
	}
	s.pipeline.Report(event.New(event.KindPageView, s.now(), payload))
}

// APICall describes one outgoing request made by the host.
type APICall struct {
	Method   string
	URL      string
	Status   int
	Duration time.Duration
	// Err is set when the request failed before a response.
	Err error
}

// TrackAPI reports an API call. Calls with a transport error or a
// status of 400 and above are marked unsuccessful.
func (s *Sentinel) TrackAPI(call APICall) {
	if !s.usable("track api") {
		return
	}
	if call.URL == "" {
		s.logger.Warn("track api: empty url")
		return
	}
	payload := map[string]any{
		"method":   call.Method,
		"url":      call.URL,
		"status":   call.Status,
		"duration": call.Duration.Milliseconds(),
		"success":  call.Err == nil && call.Status > 0 && call.Status < 400,
	}
	if call.Err != nil {
		payload["error"] = call.Err.Error()
	}
	s.pipeline.Report(event.New(event.KindAPI, s.now(), payload))
}

// TrackPerformance reports a named measurement.
func (s *Sentinel) TrackPerformance(name string, value float64, extra map[string]any) {
	if !s.usable("track performance") {
		return
	}
	if name == "" {
		s.logger.Warn("track performance: empty metric name")
		return
	}
	payload := map[string]any{"metricName": name, "value": value}
	s.pipeline.Report(event.New(event.KindPerformance, s.now(), merge(payload, extra)))
}

// StartOperation opens an operation and returns its id, or "" when the
// call is ignored.
func (s *Sentinel) StartOperation(name string, metadata map[string]any) string {
	if !s.usable("start operation") {
		return ""
	}
	return s.tracker.StartOperation(name, metadata)
}

// AddOperationStep appends a step to an open operation.
func (s *Sentinel) AddOperationStep(id, name string, data map[string]any) bool {
	if !s.usable("add operation step") {
		return false
	}
	return s.tracker.AddStep(id, name, data)
}

// CompleteOperation ends an operation as completed or failed.
func (s *Sentinel) CompleteOperation(id string, resultData map[string]any, success bool) bool {
	if !s.usable("complete operation") {
		return false
	}
	return s.tracker.CompleteOperation(id, resultData, success)
}

// CancelOperation ends an operation as cancelled.
func (s *Sentinel) CancelOperation(id, reason string) bool {
	if !s.usable("cancel operation") {
		return false
	}
	return s.tracker.CancelOperation(id, reason)
}

// ActiveOperations returns the open operations, oldest first.
func (s *Sentinel) ActiveOperations() []Operation {
	if !s.usable("active operations") {
		return nil
	}
	return s.tracker.Active()
}

// EnableOperationTracking starts automatic operation tracking from
// host signals.
func (s *Sentinel) EnableOperationTracking() {
	if !s.usable("enable operation tracking") {
		return
	}
	s.update.Lock()
	defer s.update.Unlock()
	s.pipeline.Apply(s.pipeline.Config().With(func(o *Options) { o.EnableOperationTracking = true }))
	s.tracker.EnableAutoTracking()
}

// DisableOperationTracking stops automatic tracking and completes the
// current automatic operation.
func (s *Sentinel) DisableOperationTracking() {
	if !s.usable("disable operation tracking") {
		return
	}
	s.update.Lock()
	defer s.update.Unlock()
	s.pipeline.Apply(s.pipeline.Config().With(func(o *Options) { o.EnableOperationTracking = false }))
	s.tracker.DisableAutoTracking()
}
