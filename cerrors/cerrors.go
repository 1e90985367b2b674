// Package cerrors defines the error-kind taxonomy shared by every castle
// component (spec §7). Every error that crosses a component boundary is
// classified into exactly one Kind so callers can branch on failure class
// without string matching.
package cerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for callers that need to branch on failure class
// (e.g. the client-facing RPC layer mapping to a status code).
type Kind int

const (
	// Unknown covers errors that have not been classified; never returned
	// deliberately, only useful as a zero value.
	Unknown Kind = iota
	NotFound
	Invalid
	Busy
	NoMemory
	NoSpace
	IO
	Protocol
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid"
	case Busy:
		return "busy"
	case NoMemory:
		return "no_memory"
	case NoSpace:
		return "no_space"
	case IO:
		return "io"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a castle error carrying a Kind alongside the wrapped cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Kind reports the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause
// wrapped by github.com/pkg/errors.WithStack, which records the stack at
// this Wrap call. Error() formats the cause with %v, so the trace is only
// printed when the unwrapped cause itself is formatted with %+v.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: errors.WithStack(err)}
}

// KindOf returns the Kind of err if it (or something it wraps) is a *Error,
// else Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
