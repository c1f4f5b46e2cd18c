// Package errors provides structured error types for the archive migration
// engine. All errors include a category, code, message, and retryable flag so
// callers can tell registry defects from store failures and integrity problems.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure domain.
type ErrorCategory string

const (
	ErrCategoryConfiguration ErrorCategory = "CONFIGURATION"
	ErrCategoryStore         ErrorCategory = "STORE"
	ErrCategoryIntegrity     ErrorCategory = "INTEGRITY"
	ErrCategoryValidation    ErrorCategory = "VALIDATION"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Configuration codes
	CodeEmptyVersion     = "EMPTY_VERSION"
	CodeUnknownVersion   = "UNKNOWN_VERSION"
	CodeDuplicateVersion = "DUPLICATE_VERSION"
	CodeUnknownTable     = "UNKNOWN_TABLE"
	CodeInvalidConfig    = "INVALID_CONFIG"

	// Store codes
	CodeNodeNotFound     = "NODE_NOT_FOUND"
	CodeNodeExists       = "NODE_EXISTS"
	CodeInvalidState     = "INVALID_STATE"
	CodeSchemaViolation  = "SCHEMA_VIOLATION"
	CodeDuplicateKey     = "DUPLICATE_KEY"
	CodeJobFailed        = "JOB_FAILED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"

	// Integrity codes
	CodeRowCountMismatch = "ROW_COUNT_MISMATCH"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"

	// Validation codes
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeVersionRegress  = "VERSION_REGRESS"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// MigrationError is the structured error type used throughout the engine.
type MigrationError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *MigrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *MigrationError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *MigrationError) Is(target error) bool {
	var t *MigrationError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new MigrationError.
func New(category ErrorCategory, code, message string) *MigrationError {
	return &MigrationError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new MigrationError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *MigrationError {
	return &MigrationError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *MigrationError) WithDetails(details map[string]interface{}) *MigrationError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a MigrationError.
func GetCategory(err error) ErrorCategory {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a MigrationError.
func GetCode(err error) string {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsConfigurationError reports whether err is a registry defect.
func IsConfigurationError(err error) bool {
	return GetCategory(err) == ErrCategoryConfiguration
}

// IsStoreError reports whether err was surfaced by the table store.
func IsStoreError(err error) bool {
	return GetCategory(err) == ErrCategoryStore
}

// IsIntegrityError reports whether err came from the post-build verification gate.
func IsIntegrityError(err error) bool {
	return GetCategory(err) == ErrCategoryIntegrity
}

// isRetryable determines whether re-running the same version can help.
// Registry defects and integrity failures need a human first.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryStore && code == CodeJobFailed:
		return true
	case category == ErrCategoryStore && code == CodeInvalidState:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConfigurationError(code, message string) *MigrationError {
	return New(ErrCategoryConfiguration, code, message)
}

func NewStoreError(code, message string, cause error) *MigrationError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewIntegrityError(code, message string) *MigrationError {
	return New(ErrCategoryIntegrity, code, message)
}

func NewValidationError(code, message string) *MigrationError {
	return New(ErrCategoryValidation, code, message)
}

func NewInternalError(message string, cause error) *MigrationError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
