package models

import (
	"errors"
	"fmt"
)

// ValidationError reports user-supplied input failing a constraint. It is
// surfaced to the user and leaves no state change behind.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// WorkflowLockedError reports a concurrent session conflict; Holder carries
// the email of the user holding the lock.
type WorkflowLockedError struct {
	WorkflowID int64
	Holder     string
}

func (e *WorkflowLockedError) Error() string {
	return fmt.Sprintf("workflow %d is locked by %s", e.WorkflowID, e.Holder)
}

// KeyNotUniqueError reports that a column expected to be key-unique holds
// duplicate values, blocking row addressing.
type KeyNotUniqueError struct {
	Column string
}

func (e *KeyNotUniqueError) Error() string {
	return fmt.Sprintf("column %q does not hold unique values", e.Column)
}

// OAuthError reports a failed token acquisition or refresh; it aborts the
// run it occurs in.
type OAuthError struct {
	Instance string
	Err      error
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("oauth failure for instance %q: %v", e.Instance, e.Err)
}

func (e *OAuthError) Unwrap() error { return e.Err }

// TransientSinkError reports a single-item delivery failure. It is logged
// per item; the run continues.
type TransientSinkError struct {
	Item string
	Err  error
}

func (e *TransientSinkError) Error() string {
	return fmt.Sprintf("delivery failed for %s: %v", e.Item, e.Err)
}

func (e *TransientSinkError) Unwrap() error { return e.Err }

// ImportError reports a malformed, incompatible or unresolvable archive.
// Imports roll back wholesale.
type ImportError struct {
	Msg string
}

func (e *ImportError) Error() string { return "import error: " + e.Msg }

func NewImportError(format string, args ...any) error {
	return &ImportError{Msg: fmt.Sprintf(format, args...)}
}

// ErrDispatchUnavailable is returned when the dispatcher worker pool is not
// running and a dispatch is requested.
var ErrDispatchUnavailable = errors.New("dispatcher is not available")
