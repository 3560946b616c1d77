// Package errors tests for application error codes.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// =====================================================
// AppError Tests
// =====================================================

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "sync error",
			appError: &AppError{Code: ErrSyncChecksumMismatch, Message: "checksum does not match data"},
			want:     "[SYNC_CHECKSUM_MISMATCH] checksum does not match data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAppError_Unwrap verifies unwrapping of underlying error.
func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")

	if got := Wrap(ErrInternal, "failed", underlying).Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
	if got := New(ErrInternal, "failed").Unwrap(); got != nil {
		t.Errorf("Unwrap() = %v, want nil", got)
	}
	if !errors.Is(Wrap(ErrDatabase, "x", underlying), underlying) {
		t.Error("errors.Is() should see through AppError")
	}
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrSyncExcludedTable, "table %q is excluded", "sessions")
	if err.Message != `table "sessions" is excluded` {
		t.Errorf("Newf() message = %q", err.Message)
	}
	if err.Code != ErrSyncExcludedTable {
		t.Errorf("Newf() code = %q, want %q", err.Code, ErrSyncExcludedTable)
	}
}

// TestIs verifies error code checking.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{
			name: "matching AppError",
			err:  &AppError{Code: ErrNotFound, Message: "not found"},
			code: ErrNotFound,
			want: true,
		},
		{
			name: "non-matching AppError",
			err:  &AppError{Code: ErrNotFound, Message: "not found"},
			code: ErrInternal,
			want: false,
		},
		{
			name: "wrapped with fmt.Errorf",
			err:  fmt.Errorf("receive batch: %w", New(ErrSyncAuthFailed, "bad secret")),
			code: ErrSyncAuthFailed,
			want: true,
		},
		{
			name: "non-AppError",
			err:  errors.New("standard error"),
			code: ErrInternal,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			code: ErrInternal,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", got)
	}
	err := fmt.Errorf("outer: %w", Wrap(ErrSyncTimeout, "cycle", errors.New("deadline")))
	if got := CodeOf(err); got != ErrSyncTimeout {
		t.Errorf("CodeOf() = %q, want %q", got, ErrSyncTimeout)
	}
}

// =====================================================
// Error Code Tests
// =====================================================

// TestErrorCodes_areUnique verifies all error codes are unique and upper case.
func TestErrorCodes_areUnique(t *testing.T) {
	codes := []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound, ErrDuplicate, ErrValidation, ErrConfig,
		ErrDatabase, ErrMigration, ErrConstraint,
		ErrBulkForbidden,
		ErrSyncFailed, ErrSyncAuthFailed, ErrSyncSchemaIncompatible, ErrSyncChecksumMismatch,
		ErrSyncCausalGap, ErrSyncDeadLettered, ErrSyncExcludedTable, ErrSyncTimeout, ErrSyncPeerUnreachable,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true

		str := string(code)
		if str != strings.ToUpper(str) {
			t.Errorf("ErrorCode %q should be uppercase", str)
		}
	}
}
