// Package errkind defines the typed error taxonomy shared across the
// daemon core. Every engine-facing function returns one of these kinds
// wrapped around its cause instead of an ad-hoc error string, so the
// HTTP surface and the CLI can map failures to exit codes and status
// codes without string matching.
package errkind

import "fmt"

// Kind identifies the category of a failure. It is a closed taxonomy:
// new kinds are added here, never invented ad hoc at call sites.
type Kind string

const (
	InvalidInput        Kind = "INVALID_INPUT"
	UnknownServiceType   Kind = "UNKNOWN_SERVICE_TYPE"
	RangeExhausted       Kind = "RANGE_EXHAUSTED"
	InvalidLockID        Kind = "INVALID_LOCK_ID"
	Conflict             Kind = "CONFLICT"
	AuthRequired         Kind = "AUTH_REQUIRED"
	AuthInvalid          Kind = "AUTH_INVALID"
	DaemonUnavailable    Kind = "DAEMON_UNAVAILABLE"
	StateCorrupt         Kind = "STATE_CORRUPT"
	IOFailure            Kind = "IO_FAILURE"
	ConfigInvalid        Kind = "CONFIG_INVALID"
)

// Error is the concrete error type carrying a Kind and an optional
// underlying cause. It is always produced via New or Wrap, never
// constructed directly outside this package's helpers.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error with no underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds a Kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if ok := asError(err, &ke); ok {
		return ke.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ke, ok := err.(*Error); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
