// Package agenterrors classifies the error kinds fleetd's components
// surface to their callers, so loops can decide whether to retry,
// degrade, or abort without string-matching error text.
package agenterrors

import "errors"

// Kind classifies an error for the purposes of retry/degrade/abort
// decisions across fleetd.
type Kind string

const (
	// TransientNetwork is retried with backoff, never fatal.
	TransientNetwork Kind = "transient_network"
	// ProtocolError is an HTTP 4xx from the cloud indicating a client bug;
	// logged, the loop continues.
	ProtocolError Kind = "protocol_error"
	// AuthError is a 401/403; the feature pauses until credentials refresh.
	AuthError Kind = "auth_error"
	// DurableIOError is a queue or local-state I/O failure; the feature
	// degrades by continuing without persistence.
	DurableIOError Kind = "durable_io_error"
	// DriverError is a container engine failure for a specific action.
	DriverError Kind = "driver_error"
	// HandlerError is a job step failure; terminates the job with FAILED.
	HandlerError Kind = "handler_error"
	// HandlerTimeout terminates the step and the job with TIMED_OUT.
	HandlerTimeout Kind = "handler_timeout"
	// Fatal is an invariant violation at startup; aborts the process.
	Fatal Kind = "fatal"
)

// Error wraps an underlying error with a Kind and optional HTTP status.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithStatus wraps err with kind and an HTTP status code.
func WithStatus(kind Kind, statusCode int, err error) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Err: err}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// StatusOf extracts the HTTP status code from err, if any was recorded.
func StatusOf(err error) (int, bool) {
	var ae *Error
	if errors.As(err, &ae) && ae.StatusCode != 0 {
		return ae.StatusCode, true
	}
	return 0, false
}
