// Package errors provides error code definitions shared by the sync engine,
// its HTTP transport and the syncd binary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that is surfaced to peers and operators.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrConfig     ErrorCode = "CONFIG_INVALID"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Capture errors
	ErrBulkForbidden ErrorCode = "BULK_FORBIDDEN"

	// Sync errors
	ErrSyncFailed             ErrorCode = "SYNC_FAILED"
	ErrSyncAuthFailed         ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncSchemaIncompatible ErrorCode = "SYNC_SCHEMA_INCOMPATIBLE"
	ErrSyncChecksumMismatch   ErrorCode = "SYNC_CHECKSUM_MISMATCH"
	ErrSyncCausalGap          ErrorCode = "SYNC_CAUSAL_GAP"
	ErrSyncDeadLettered       ErrorCode = "SYNC_DEAD_LETTERED"
	ErrSyncExcludedTable      ErrorCode = "SYNC_EXCLUDED_TABLE"
	ErrSyncTimeout            ErrorCode = "SYNC_TIMEOUT"
	ErrSyncPeerUnreachable    ErrorCode = "SYNC_PEER_UNREACHABLE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in the chain,
// or an empty code when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
