// Package errors defines the typed error taxonomy shared across the engine.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the engine, one per cause named in the error taxonomy.
const (
	CodeInvalidParameter = "INVALID_PARAMETER"
	CodeItemNotFound     = "ITEM_NOT_FOUND"
	CodeInvalidDataType  = "INVALID_DATA_TYPE"
	CodeFeatureNotFound  = "FEATURE_NOT_FOUND"
	CodeRuleNotMatched   = "RULE_NOT_MATCHED"
	CodeDatabaseError    = "DATABASE_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeNotSupportedYet  = "NOT_SUPPORTED_YET"
)

// AppError represents an engine error carrying one of the taxonomy codes.
type AppError struct {
	Code    string
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

// Is checks if the error matches the target by code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code string, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Common sentinel instances, compared against with errors.Is.
var (
	ErrInvalidParameter = New(CodeInvalidParameter, "invalid parameter")
	ErrItemNotFound     = New(CodeItemNotFound, "item not found")
	ErrInvalidDataType  = New(CodeInvalidDataType, "invalid data type")
	ErrFeatureNotFound  = New(CodeFeatureNotFound, "feature not found")
	ErrRuleNotMatched   = New(CodeRuleNotMatched, "rule not matched")
	ErrDatabaseError    = New(CodeDatabaseError, "database error")
	ErrInternalError    = New(CodeInternalError, "internal error")
	ErrNotSupportedYet  = New(CodeNotSupportedYet, "not supported yet")
)

// IsItemNotFound reports whether err is an item-not-found error.
func IsItemNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

// IsRuleNotMatched reports whether err is a rule-not-matched error.
func IsRuleNotMatched(err error) bool {
	return errors.Is(err, ErrRuleNotMatched)
}

// IsDatabaseError reports whether err is a database error.
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabaseError)
}

// IsInternalError reports whether err is an internal invariant violation.
func IsInternalError(err error) bool {
	return errors.Is(err, ErrInternalError)
}

// Code extracts the taxonomy code from an error, or CodeInternalError if err
// is not an *AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// Message extracts the human-readable message from an error.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
