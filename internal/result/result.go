// Package result carries classified errors through the reporting
// stages and contains panics at goroutine and API boundaries.
package result

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Kind classifies a failure.
type Kind string

const (
	// KindConfig is a missing or invalid configuration value.
	KindConfig Kind = "config"
	// KindIO is a transient storage or network failure.
	KindIO Kind = "io"
	// KindData is a malformed payload or a serialization failure.
	KindData Kind = "data"
	// KindProgrammer is a misuse of the API: unknown id, empty argument.
	KindProgrammer Kind = "programmer"
	// KindDropped means the event was intentionally discarded.
	KindDropped Kind = "dropped"
	// KindInternal is a recovered panic or an unexpected state.
	KindInternal Kind = "internal"
)

// Error is a failure tagged with the stage that produced it.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error with a formatted cause.
func Errorf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err. A nil err yields nil.
func Wrap(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the Kind of the first Error in err's chain, or
// KindInternal when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Absorb logs err at a level matching its kind. It is the terminal
// step for every public entry point.
func Absorb(logger *slog.Logger, msg string, err error) {
	if err == nil || logger == nil {
		return
	}
	switch KindOf(err) {
	case KindDropped:
		logger.Debug(msg, "error", err)
	case KindProgrammer, KindConfig, KindData:
		logger.Warn(msg, "error", err)
	default:
		logger.Error(msg, "error", err)
	}
}

// Recover must be deferred directly. It swallows a panic and logs it.
func Recover(logger *slog.Logger, where string) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Error("recovered panic", "where", where, "panic", r, "stack", string(debug.Stack()))
		}
	}
}

// Capture must be deferred directly. It turns a panic into an
// internal Error stored in *errp.
func Capture(errp *error, stage string) {
	if r := recover(); r != nil {
		*errp = &Error{Kind: KindInternal, Stage: stage, Err: fmt.Errorf("panic: %v", r)}
	}
}

// Go runs fn on a new goroutine under a panic guard.
func Go(logger *slog.Logger, where string, fn func()) {
	go func() {
		defer Recover(logger, where)
		fn()
	}()
}
