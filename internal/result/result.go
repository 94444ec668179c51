// Package result provides the tagged outcome type returned by the core
// operations. Callers switch on Kind instead of inspecting error strings.
package result

import (
	"errors"
	"fmt"
)

// Kind tags the outcome of an operation.
type Kind int

const (
	KindOk Kind = iota
	KindDenied
	KindNotFound
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindDenied:
		return "denied"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrInvalid marks a Denied result caused by malformed input.
	ErrInvalid  = errors.New("invalid input")
	ErrDenied   = errors.New("denied")
	ErrNotFound = errors.New("not found")
)

// Result carries either a value or the reason the value is absent.
// Value may be populated on Denied results when the operation has a
// meaningful state to report alongside the denial (a quota snapshot, for example).
type Result[T any] struct {
	Kind   Kind
	Value  T
	Reason string
	Err    error
}

func Ok[T any](v T) Result[T] {
	return Result[T]{Kind: KindOk, Value: v}
}

func Denied[T any](reason string) Result[T] {
	return Result[T]{Kind: KindDenied, Reason: reason}
}

// DeniedWith is a denial that still reports the current value.
func DeniedWith[T any](v T, reason string) Result[T] {
	return Result[T]{Kind: KindDenied, Value: v, Reason: reason}
}

// Invalid rejects malformed input. It is a Denied result whose Err wraps ErrInvalid.
func Invalid[T any](format string, args ...any) Result[T] {
	reason := fmt.Sprintf(format, args...)
	return Result[T]{Kind: KindDenied, Reason: reason, Err: fmt.Errorf("%w: %s", ErrInvalid, reason)}
}

func NotFound[T any](reason string) Result[T] {
	return Result[T]{Kind: KindNotFound, Reason: reason}
}

func Transient[T any](err error) Result[T] {
	r := Result[T]{Kind: KindTransient, Err: err}
	if err != nil {
		r.Reason = err.Error()
	}
	return r
}

func (r Result[T]) IsOk() bool { return r.Kind == KindOk }

// IsInvalid reports whether the result rejected malformed input.
func (r Result[T]) IsInvalid() bool {
	return r.Kind == KindDenied && errors.Is(r.Err, ErrInvalid)
}

// Unwrap converts the result into the conventional (value, error) pair.
func (r Result[T]) Unwrap() (T, error) {
	switch r.Kind {
	case KindOk:
		return r.Value, nil
	case KindDenied:
		if r.Err != nil {
			return r.Value, r.Err
		}
		return r.Value, fmt.Errorf("%w: %s", ErrDenied, r.Reason)
	case KindNotFound:
		return r.Value, fmt.Errorf("%w: %s", ErrNotFound, r.Reason)
	default:
		if r.Err != nil {
			return r.Value, r.Err
		}
		return r.Value, errors.New(r.Reason)
	}
}

// Map converts an Ok value with fn and carries any other outcome through unchanged.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	out := Result[U]{Kind: r.Kind, Reason: r.Reason, Err: r.Err}
	if r.Kind == KindOk || r.Kind == KindDenied {
		out.Value = fn(r.Value)
	}
	return out
}

// Forward carries a non-Ok outcome into a result of another type. The value is dropped.
func Forward[U, T any](r Result[T]) Result[U] {
	return Result[U]{Kind: r.Kind, Reason: r.Reason, Err: r.Err}
}
