package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestMigrationError_Error(t *testing.T) {
	err := New(ErrCategoryConfiguration, CodeEmptyVersion, "version 3 has no steps")
	expected := "[CONFIGURATION:EMPTY_VERSION] version 3 has no steps"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestMigrationError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(ErrCategoryStore, CodeStoreUnavailable, "mount failed", cause)
	expected := "[STORE:STORE_UNAVAILABLE] mount failed: database is locked"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestMigrationError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStore, CodeNodeNotFound, "missing", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestMigrationError_Is(t *testing.T) {
	err1 := New(ErrCategoryStore, CodeNodeExists, "first")
	err2 := New(ErrCategoryStore, CodeNodeExists, "second")
	err3 := New(ErrCategoryStore, CodeNodeNotFound, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStore, CodeStoreUnavailable, true},
		{ErrCategoryStore, CodeJobFailed, true},
		{ErrCategoryStore, CodeInvalidState, true},
		{ErrCategoryStore, CodeNodeNotFound, false},
		{ErrCategoryStore, CodeDuplicateKey, false},
		{ErrCategoryConfiguration, CodeEmptyVersion, false},
		{ErrCategoryIntegrity, CodeChecksumMismatch, false},
		{ErrCategoryValidation, CodeInvalidArgument, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestCategoryPredicates(t *testing.T) {
	wrapped := fmt.Errorf("version 4: %w", NewConfigurationError(CodeEmptyVersion, "empty"))
	if !IsConfigurationError(wrapped) {
		t.Error("wrapped configuration error should be detected")
	}
	if IsStoreError(wrapped) || IsIntegrityError(wrapped) {
		t.Error("configuration error should not match other categories")
	}

	if !IsStoreError(NewStoreError(CodeNodeNotFound, "gone", nil)) {
		t.Error("store error should be detected")
	}
	if !IsIntegrityError(NewIntegrityError(CodeRowCountMismatch, "short")) {
		t.Error("integrity error should be detected")
	}
	if IsConfigurationError(fmt.Errorf("plain")) {
		t.Error("plain error should not be a configuration error")
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryIntegrity, CodeChecksumMismatch, "bad checksum")
	if GetCategory(err) != ErrCategoryIntegrity {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryIntegrity)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-MigrationError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategoryIntegrity, CodeChecksumMismatch, "bad checksum")
	if GetCode(err) != CodeChecksumMismatch {
		t.Errorf("got %q, want %q", GetCode(err), CodeChecksumMismatch)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-MigrationError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryConfiguration, CodeEmptyVersion, "empty version")
	detailed := err.WithDetails(map[string]interface{}{"version": 7})

	if detailed.Details["version"] != 7 {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	c := NewConfigurationError(CodeUnknownVersion, "no such version")
	if c.Category != ErrCategoryConfiguration || c.Code != CodeUnknownVersion {
		t.Error("NewConfigurationError mismatch")
	}

	s := NewStoreError(CodeStoreUnavailable, "sqlite down", cause)
	if s.Category != ErrCategoryStore || !errors.Is(s, cause) {
		t.Error("NewStoreError mismatch")
	}

	i := NewIntegrityError(CodeRowCountMismatch, "rows lost")
	if i.Category != ErrCategoryIntegrity {
		t.Error("NewIntegrityError mismatch")
	}

	v := NewValidationError(CodeVersionRegress, "target below current")
	if v.Category != ErrCategoryValidation {
		t.Error("NewValidationError mismatch")
	}

	in := NewInternalError("unexpected", cause)
	if in.Category != ErrCategoryInternal || in.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
