// Package lifeerr defines the coded error values exchanged between the
// supervisor, workers, and remote peers.
//
// Errors are returned as values, never panicked across component boundaries.
// The Code is load-bearing — callers branch on it; the message is
// informational. Errors that cross the realtime-transport boundary are
// obfuscated to Unknown unless explicitly marked public, so internals never
// leak to untrusted peers.
package lifeerr

import (
	"errors"
	"fmt"
)

// Code classifies an error for programmatic handling.
type Code string

const (
	// Validation indicates an input, schema, or serialization failure.
	Validation Code = "Validation"

	// NotFound indicates a named resource (agent, procedure) is absent.
	NotFound Code = "NotFound"

	// Conflict indicates a state-machine violation, e.g. stopping a worker
	// that is still starting.
	Conflict Code = "Conflict"

	// Forbidden indicates an authorization failure.
	Forbidden Code = "Forbidden"

	// Timeout indicates a deadline was exceeded.
	Timeout Code = "Timeout"

	// Upstream indicates an external service returned a bad response.
	Upstream Code = "Upstream"

	// NotImplemented indicates a capability is absent on this platform.
	NotImplemented Code = "NotImplemented"

	// Unknown wraps any other cause.
	Unknown Code = "Unknown"
)

// Error is a coded error value. The zero value is not valid; use New or one
// of the code constructors.
type Error struct {
	// Code classifies the error.
	Code Code

	// Message is a human-readable description. Informational only.
	Message string

	// Cause is the wrapped underlying error, if any.
	Cause error

	// Public marks the error as safe to transmit to untrusted peers
	// unobfuscated. Validation and NotFound errors raised by the RPC layer
	// itself are public; everything else defaults to private.
	Public bool
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code whose Cause is err. The message
// defaults to err's message.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Cause: err}
}

// AsPublic returns a copy of e marked public.
func (e *Error) AsPublic() *Error {
	clone := *e
	clone.Public = true
	return &clone
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code. This lets
// callers write errors.Is(err, lifeerr.New(lifeerr.Timeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err. Non-lifeerr errors map to Unknown; a
// nil err returns the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// From converts any error into an *Error. lifeerr values pass through
// unchanged; everything else is wrapped as Unknown.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: Unknown, Message: err.Error(), Cause: err}
}

// Obfuscate replaces a non-public error with a generic Unknown error so that
// internals do not cross a trust boundary. Public errors are returned as-is.
func Obfuscate(err *Error) *Error {
	if err == nil {
		return nil
	}
	if err.Public {
		return err
	}
	return &Error{Code: Unknown, Message: "internal error", Public: true}
}

// Decorate appends a log hint to the error message while preserving the code.
// Used by the supervisor when surfacing worker errors to API callers.
func Decorate(err error, agentName, agentID string) *Error {
	e := From(err)
	if e == nil {
		return nil
	}
	clone := *e
	clone.Message = fmt.Sprintf("%s. See agent %s (%s) logs for more details.", e.Message, agentName, agentID)
	return &clone
}
