package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SessionError is the error kind surfaced by the core (spec §7). Admission
// errors carry the access usage so the caller can render quota
// information; lookup of a disposed session carries the original
// disposal cause, including the suppressor's client id when relevant.
type SessionError struct {
	Code ResponseCode

	// Usage is attached to AccessError admission failures and to
	// SessionClosed lookup failures; TokenNotFound and InvalidSignature
	// never set it.
	Usage *AccessUsage

	// SuppressedBy carries the disposed session's classification when
	// Code == ResponseSessionClosed (YourSelf for a direct close, None for
	// access expiry). SuppressedByClientID is non-nil only when a newer
	// admission suppressed the session.
	SuppressedBy         SuppressionKind
	SuppressedByClientID *uuid.UUID

	Message string

	// Wrapped is an optional underlying error (e.g. a backend I/O error).
	Wrapped error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code.String()
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is a *SessionError with the same Code, so
// callers can do errors.Is(err, &SessionError{Code: ResponseSessionClosed}).
func (e *SessionError) Is(target error) bool {
	var t *SessionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ErrTokenNotFound constructs the admission error for an unresolvable token.
func ErrTokenNotFound() *SessionError {
	return &SessionError{Code: ResponseTokenNotFound, Message: "no access record for token"}
}

// ErrInvalidSignature constructs the admission error for a failed proof check.
func ErrInvalidSignature() *SessionError {
	return &SessionError{Code: ResponseInvalidSignature, Message: "admission proof mismatch"}
}

// ErrAccessStatus constructs the admission error for a resolved Access
// whose computed status is not Ok.
func ErrAccessStatus(usage AccessUsage, message string) *SessionError {
	u := usage
	return &SessionError{Code: ResponseAccessError, Usage: &u, Message: message}
}

// ErrServerFull constructs the admission error raised when
// Config.MaxConcurrentSessions is reached and suppression found no
// victim to evict (the new session shares no access with anything
// live, so there's nothing to suppress in its favor).
func ErrServerFull() *SessionError {
	return &SessionError{Code: ResponseServerFull, Message: "server is at maximum concurrent session capacity"}
}

// ErrSessionNotFound constructs the lookup error for an unknown session/client id.
func ErrSessionNotFound() *SessionError {
	return &SessionError{Code: ResponseSessionNotFound, Message: "session not found"}
}

// ErrSessionClosed constructs the lookup error for a disposed session,
// optionally carrying its suppressor.
func ErrSessionClosed(usage *AccessUsage, suppressedBy SuppressionKind, suppressedByClientID *uuid.UUID, message string) *SessionError {
	return &SessionError{
		Code:                 ResponseSessionClosed,
		Usage:                usage,
		SuppressedBy:         suppressedBy,
		SuppressedByClientID: suppressedByClientID,
		Message:              message,
	}
}
