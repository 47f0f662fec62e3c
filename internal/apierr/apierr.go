// Package apierr defines the closed set of error kinds shared by the
// HTTP surface and the realtime RPC acks.
package apierr

import "fmt"

// Kind is one of the error classes from the error handling design.
type Kind string

const (
	Validation   Kind = "VALIDATION_ERROR"
	Unauthed     Kind = "UNAUTHENTICATED"
	Forbidden    Kind = "FORBIDDEN"
	NotFound     Kind = "NOT_FOUND"
	Conflict     Kind = "CONFLICT"
	RateLimited  Kind = "RATE_LIMITED"
	Backpressure Kind = "BACKPRESSURE"
	Internal     Kind = "INTERNAL"
	Timeout      Kind = "TIMEOUT"
)

// Error is the single error type every component returns. Wire layers
// render it as {kind, message, retryAfter?, corrId?}.
type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds, only meaningful for RateLimited
	CorrID     string `json:"corrId,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a plain error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an underlying cause, preserving it
// for errors.Is/errors.As against the original failure.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithCorrID returns a copy of e carrying the given correlation-id.
func (e *Error) WithCorrID(id string) *Error {
	cp := *e
	cp.CorrID = id
	return &cp
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	return ok && ae.Kind == kind
}
