// Package errs defines the small error-kind taxonomy shared across hive's
// subsystems. Kinds are typed strings so callers can branch on errors.Is
// without importing a subsystem's concrete error type.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the error handling design.
type Kind string

const (
	KindCancelled       Kind = "cancelled"
	KindTimeoutSoft      Kind = "timeout_soft"
	KindTimeoutHard      Kind = "timeout_hard"
	KindRateLimited      Kind = "rate_limited"
	KindAuthFailure      Kind = "auth_failure"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindUpstreamError    Kind = "upstream_error"
	KindStorageError     Kind = "storage_error"
	KindFatalStorage     Kind = "fatal_storage"
	KindConflict         Kind = "conflict"
	KindPlanParseError   Kind = "plan_parse_error"
	KindPreviewConflict  Kind = "preview_conflict"
	KindApplyFailed      Kind = "apply_failed"
	KindVerifyFailed     Kind = "verify_failed"
	KindUndoFailed       Kind = "undo_failed"
	KindPolicyDenied     Kind = "policy_denied"
)

// Error wraps an underlying error with a taxonomy Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether the outermost *Error in err's chain has the given Kind.
// Kinds of *Error values wrapped further down the chain are not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, if any, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
