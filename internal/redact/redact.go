// Package redact masks sensitive fields in event payloads before they
// leave the process.
package redact

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
)

// MaskChar fills the hidden part of a masked value.
const MaskChar = "*"

// builtinKeywords mark a field as sensitive when its lowercased name
// contains any of them.
var builtinKeywords = []string{
	"password", "pwd", "secret", "token", "auth", "key", "credential",
	"ssn", "social", "card", "cvv", "pin", "passport", "license",
}

// Handler post-processes every key after built-in masking. Its return
// value replaces the field.
type Handler func(key string, value any) any

// Redactor masks sensitive fields.
type Redactor struct {
	fields  map[string]struct{}
	handler Handler
	logger  *slog.Logger
}

// New creates a Redactor. fields are matched exactly; the built-in
// keywords are always active.
func New(fields []string, handler Handler, logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Redactor{
		fields:  make(map[string]struct{}, len(fields)),
		handler: handler,
		logger:  logger,
	}
	for _, f := range fields {
		if f != "" {
			r.fields[f] = struct{}{}
		}
	}
	return r
}

// IsSensitive reports whether a field named key is masked.
func (r *Redactor) IsSensitive(key string) bool {
	if _, ok := r.fields[key]; ok {
		return true
	}
	lower := strings.ToLower(key)
	for _, kw := range builtinKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Redact returns a masked deep copy of payload. The input is never
// modified.
//
// If anything goes wrong the original payload is returned unmasked and
// the failure is logged. Dropping the event would hide the failure from
// the collector; returning it unmasked keeps reporting alive at the
// cost of possibly leaking the field. Callers that cannot accept that
// trade-off must pre-scrub their payloads.
func (r *Redactor) Redact(payload map[string]any) (out map[string]any) {
	if payload == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("redaction failed, reporting unredacted payload", "panic", rec)
			out = payload
		}
	}()

	masked := r.redactMap(payload, false)
	if r.handler != nil {
		masked = r.applyHandler(masked)
	}
	return masked
}

func (r *Redactor) redactMap(m map[string]any, inherited bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.redactValue(v, inherited || r.IsSensitive(k))
	}
	return out
}

func (r *Redactor) redactValue(v any, sensitive bool) any {
	switch t := v.(type) {
	case map[string]any:
		return r.redactMap(t, sensitive)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.redactValue(item, sensitive)
		}
		return out
	case map[string]string, []string, []map[string]any:
		return r.redactValue(event.DeepCopy(t), sensitive)
	default:
		if sensitive {
			return Mask(v)
		}
		return v
	}
}

func (r *Redactor) applyHandler(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = r.applyHandlerValue(r.handler(k, v))
	}
	return m
}

func (r *Redactor) applyHandlerValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.applyHandler(event.DeepCopyMap(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.applyHandlerValue(item)
		}
		return out
	default:
		return v
	}
}

// Mask hides a scalar while preserving its length: one character is
// fully hidden, up to three keep the first character, longer values
// keep the first and last.
func Mask(v any) string {
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}

	n := utf8.RuneCountInString(s)
	switch {
	case n == 0:
		return ""
	case n <= 1:
		return MaskChar
	case n <= 3:
		first, _ := utf8.DecodeRuneInString(s)
		return string(first) + strings.Repeat(MaskChar, n-1)
	default:
		first, _ := utf8.DecodeRuneInString(s)
		last, _ := utf8.DecodeLastRuneInString(s)
		return string(first) + strings.Repeat(MaskChar, n-2) + string(last)
	}
}
