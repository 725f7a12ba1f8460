package pulse

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed failure taxonomy: every failure surfaced to a
// caller of this package resolves to exactly one of these.
type ErrorKind int

const (
	ErrAccess ErrorKind = iota
	ErrAuthKey
	ErrConnectionRefused
	ErrConnectionTerminated
	ErrForked
	ErrInternal
	ErrInvalid
	ErrInvalidServer
	ErrIO
	ErrKilled
	ErrNoData
	ErrNotSupported
	ErrProtocol
	ErrTimeout
	ErrVersion
	ErrBadState
	ErrNotFound
	ErrUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAccess:
		return "ACCESS"
	case ErrAuthKey:
		return "AUTHKEY"
	case ErrConnectionRefused:
		return "CONNECTION_REFUSED"
	case ErrConnectionTerminated:
		return "CONNECTION_TERMINATED"
	case ErrForked:
		return "FORKED"
	case ErrInternal:
		return "INTERNAL"
	case ErrInvalid:
		return "INVALID"
	case ErrInvalidServer:
		return "INVALID_SERVER"
	case ErrIO:
		return "IO"
	case ErrKilled:
		return "KILLED"
	case ErrNoData:
		return "NO_DATA"
	case ErrNotSupported:
		return "NOT_SUPPORTED"
	case ErrProtocol:
		return "PROTOCOL"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrVersion:
		return "VERSION"
	case ErrBadState:
		return "BAD_STATE"
	case ErrNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// Error wraps an ErrorKind with context. Every exported operation in this
// package that can fail returns one of these (or nil), never a bare
// stdlib error, so callers can type-assert/errors.As down to a Kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pulse: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("pulse: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an *Error, the one place error values should be
// constructed so every failure path carries an operation name and kind.
func newError(op string, kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps)
// is a *Error, and ErrUnknown otherwise.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrUnknown
}
