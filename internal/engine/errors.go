package engine

import (
	"errors"
	"fmt"
)

// AuthError indicates a missing or rejected bearer token. The connection
// manager stops reconnecting after one: a fresh token is required before
// any further attempt.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("engine: authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError wraps a network or server failure on a REST call. Safe
// to retry; the operation left local state untouched.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("engine: %s failed: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError rejects a local action before any network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: invalid request: %s", e.Reason)
}

// OwnershipError rejects a delete attempted on a message the caller does
// not own. Raised locally, before any network call.
type OwnershipError struct {
	MessageID int
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("engine: message %d is not owned by the caller", e.MessageID)
}

// ConflictError surfaces a server-side conflict (duplicate room and the
// like). No local mutation was applied.
type ConflictError struct {
	StatusCode int
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("engine: conflict (%d): %s", e.StatusCode, e.Message)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}
