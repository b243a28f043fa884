// Package fault classifies camera and model failures into a fixed taxonomy
// and decides which of them may be retried automatically.
package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the classification of a detection failure.
type Kind string

const (
	KindPermissionDenied Kind = "camera_permission_denied"
	KindCameraNotFound   Kind = "camera_not_found"
	KindCameraInUse      Kind = "camera_in_use"
	KindModelLoadFailed  Kind = "model_load_failed"
	KindRuntime          Kind = "runtime_error"
	KindUnknown          Kind = "unknown"
)

// Retryable reports whether faults of this kind are retried with backoff.
// Permission-denied and not-found need the user to act, so they are terminal.
func (k Kind) Retryable() bool {
	switch k {
	case KindCameraInUse, KindModelLoadFailed, KindRuntime:
		return true
	default:
		return false
	}
}

// ParseKind maps a wire string onto a Kind. Unknown strings map to KindUnknown.
func ParseKind(s string) Kind {
	switch k := Kind(strings.TrimSpace(strings.ToLower(s))); k {
	case KindPermissionDenied, KindCameraNotFound, KindCameraInUse,
		KindModelLoadFailed, KindRuntime:
		return k
	default:
		return KindUnknown
	}
}

// Sentinel errors a Source may return (or wrap) to classify itself precisely.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrCameraNotFound   = errors.New("camera not found")
	ErrCameraInUse      = errors.New("camera in use")
	ErrModelLoad        = errors.New("model load failed")
)

// Error is a classified failure, stamped with when it happened and which
// retry attempt was in progress, for display.
type Error struct {
	Kind      Kind
	Err       error
	Timestamp time.Time
	Attempt   int
	Retryable bool
	// Exhausted is set when the fault was retryable but no retries remain.
	Exhausted bool
}

// New classifies err and wraps it. Retryable is derived from the kind.
func New(err error, now time.Time, attempt int) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		out := *fe
		out.Timestamp = now
		out.Attempt = attempt
		return &out
	}
	k := Classify(err)
	return &Error{
		Kind:      k,
		Err:       err,
		Timestamp: now,
		Attempt:   attempt,
		Retryable: k.Retryable(),
	}
}

// Wrap returns an error of the given kind around err.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err, Retryable: kind.Retryable()}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an arbitrary error onto a Kind.
//
// Precedence: an embedded *Error, then sentinel errors, then message keywords.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrCameraNotFound):
		return KindCameraNotFound
	case errors.Is(err, ErrCameraInUse):
		return KindCameraInUse
	case errors.Is(err, ErrModelLoad):
		return KindModelLoadFailed
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "notallowederror", "permission", "not allowed", "denied"):
		return KindPermissionDenied
	case containsAny(msg, "notfounderror", "no camera", "device not found", "overconstrainederror"):
		return KindCameraNotFound
	case containsAny(msg, "notreadableerror", "in use", "busy", "trackstarterror"):
		return KindCameraInUse
	case containsAny(msg, "model", "wasm", "graph"):
		return KindModelLoadFailed
	default:
		return KindUnknown
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
