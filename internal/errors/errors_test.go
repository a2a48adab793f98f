// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func allCodes() []ErrorCode {
	return []ErrorCode{
		ErrInternal, ErrInvalid, ErrNotFound,
		ErrConfigInvalid,
		ErrDatabase, ErrMigration, ErrPersistence, ErrCorruptQueue, ErrCryptoFailed,
		ErrRemoteWrite, ErrSyncTimeout, ErrInvalidTransition, ErrSyncNotConfigured, ErrNotifyFailed,
	}
}

// TestErrorCodes_areUnique verifies all error codes are unique.
func TestErrorCodes_areUnique(t *testing.T) {
	seen := make(map[ErrorCode]bool)
	for _, code := range allCodes() {
		if code == "" {
			t.Error("ErrorCode should not be empty")
		}
		if seen[code] {
			t.Errorf("ErrorCode %q is duplicated", code)
		}
		seen[code] = true
	}
}

// TestErrorCode_prefix verifies error codes follow naming convention.
func TestErrorCode_prefix(t *testing.T) {
	for _, code := range allCodes() {
		str := string(code)
		if str != strings.ToUpper(str) {
			t.Errorf("ErrorCode %q should be uppercase", str)
		}
	}
}

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
			appError: &AppError{Code: ErrPersistence, Message: "save queue", Err: errors.New("disk full")},
			want:     "[SYNC_PERSISTENCE_FAILED] save queue: disk full",
		},
		{
			name:     "not found error",
			appError: &AppError{Code: ErrNotFound, Message: "operation not found"},
			want:     "[NOT_FOUND] operation not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestAppError_Unwrap verifies unwrapping of underlying error.
func TestAppError_Unwrap(t *testing.T) {
	underlyingErr := errors.New("underlying error")

	err := Wrap(ErrRemoteWrite, "write failed", underlyingErr)
	if err.Unwrap() != underlyingErr {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlyingErr)
	}
	if !errors.Is(err, underlyingErr) {
		t.Error("errors.Is should see the wrapped error")
	}

	if New(ErrInternal, "failed").Unwrap() != nil {
		t.Error("Unwrap() of a bare error should be nil")
	}
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrNotFound, "operation %s not found", "op-1")
	if err.Message != "operation op-1 not found" {
		t.Errorf("Newf() message = %q", err.Message)
	}
	if err.Code != ErrNotFound {
		t.Errorf("Newf() code = %q, want %q", err.Code, ErrNotFound)
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
			name: "wrapped by fmt.Errorf",
			err:  fmt.Errorf("engine: %w", New(ErrPersistence, "save")),
			code: ErrPersistence,
			want: true,
		},
		{
			name: "inner AppError code",
			err:  Wrap(ErrRemoteWrite, "write", New(ErrSyncTimeout, "deadline")),
			code: ErrSyncTimeout,
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
			got := Is(tt.err, tt.code)
			if got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCodeOf verifies outermost code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Wrap(ErrRemoteWrite, "w", New(ErrSyncTimeout, "t"))); got != ErrRemoteWrite {
		t.Errorf("CodeOf() = %q, want %q", got, ErrRemoteWrite)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, ErrInternal)
	}
}
