package event

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, language-neutral error name surfaced to callers.
type ErrorCode string

const (
	CodeInvalidConfiguration ErrorCode = "invalid_configuration"
	CodeValidation           ErrorCode = "validation_error"
	CodeContextMissing       ErrorCode = "context_missing"
	CodeBulkTooLarge         ErrorCode = "bulk_too_large"
	CodeDuplicateExternalID  ErrorCode = "duplicate_external_id"
	CodeNotFound             ErrorCode = "not_found"
	CodeTimeout              ErrorCode = "timeout"
	CodeChainConflict        ErrorCode = "chain_conflict"
	CodeBacklogFull          ErrorCode = "backlog_full"
	CodeStorage              ErrorCode = "storage_error"
	CodeIntegrity            ErrorCode = "integrity_failure"
)

// Error is the structured error returned by every library operation.
// EventID carries the assigned event id when a submission was accepted
// but its commit failed, so callers can poll for eventual completion.
type Error struct {
	Code    ErrorCode
	Message string
	EventID string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so
// errors.Is(err, event.ErrNotFound) holds for every not_found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// E builds an Error with the given code and message.
func E(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Ef builds an Error with a formatted message.
func Ef(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause. A nil cause yields nil.
func Wrap(code ErrorCode, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the stable code from err, unwrapping as needed.
// Errors raised outside the taxonomy classify as storage_error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorage
}

// Sentinels for the common outcomes. Matching is by code, so wrapped
// and freshly built errors compare equal to these via errors.Is.
var (
	ErrNotFound            = E(CodeNotFound, "event not found")
	ErrContextMissing      = E(CodeContextMissing, "project and environment are required")
	ErrDuplicateExternalID = E(CodeDuplicateExternalID, "external_id already present in stream")
	ErrBacklogFull         = E(CodeBacklogFull, "backlog at capacity for stream")
	ErrSealed              = E(CodeIntegrity, "range is sealed")
)
