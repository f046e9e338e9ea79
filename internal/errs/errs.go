// Package errs is the engine's typed error-kind catalog (spec §7):
// every error that crosses a component boundary carries one of these
// kinds rather than being merged into a bare error string.
package errs

import "fmt"

// Kind distinguishes errors in logs and diagnostics, per spec §7.
type Kind string

const (
	PermissionDenied Kind = "PermissionDenied"
	NotFound         Kind = "NotFound"
	Network          Kind = "Network"
	IntegrityFailed  Kind = "IntegrityFailed"
	AppRunning       Kind = "AppRunning"
	ExecutorFailed   Kind = "ExecutorFailed"
	Unsupported      Kind = "Unsupported"
	Cancelled        Kind = "Cancelled"
	Internal         Kind = "Internal"
)

// Error wraps a Kind with a human message and any kind-specific payload
// (Retriable for Network, StderrTail for ExecutorFailed).
type Error struct {
	Kind       Kind
	Message    string
	Retriable  bool
	StderrTail string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a plain Error of the given kind.
func New(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// NetworkErr builds a Network-kind error, marking whether a retry is
// warranted (spec §7: "Network{retriable=true} triggers one retry").
func NetworkErr(retriable bool, err error) *Error {
	return &Error{Kind: Network, Retriable: retriable, Err: err}
}

// ExecutorFailure builds an ExecutorFailed error carrying the tail of the
// failing subprocess's stderr, per spec §4.4.
func ExecutorFailure(stderrTail string, err error) *Error {
	return &Error{Kind: ExecutorFailed, StderrTail: stderrTail, Err: err}
}

// CancelledErr builds the terminal Cancelled error (spec §7: never retried,
// always "success=false, message=\"cancelled\"").
func CancelledErr() *Error {
	return &Error{Kind: Cancelled, Message: "cancelled"}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Internal
	}
	return e.Kind
}
