// Package errors provides standardized error types for the session pool.
package errors

import (
	"errors"
	"fmt"
)

// Error codes. Plumbing codes are absorbed inside the pool; CodeConnectionUnavailable and
// CodeStatementFailed are the ones callers are expected to branch on.
const (
	CodePoolUnavailable       = "POOL_UNAVAILABLE"
	CodePoolExhausted         = "POOL_EXHAUSTED"
	CodeProbeFailed           = "PROBE_FAILED"
	CodeCheckinDamaged        = "CHECKIN_DAMAGED"
	CodeConnectionUnavailable = "CONNECTION_UNAVAILABLE"
	CodeStatementFailed       = "STATEMENT_FAILED"
	CodeConnReleased          = "CONN_RELEASED"
	CodeInvalidConfig         = "INVALID_CONFIG"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeInternal              = "INTERNAL_ERROR"
)

// PoolError represents a pool error with code, message, and optional details.
type PoolError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *PoolError) Is(target error) bool {
	t, ok := target.(*PoolError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy of the error with details merged into its own.
func (e *PoolError) WithDetails(details map[string]interface{}) *PoolError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// WithDetail returns a copy of the error carrying one extra detail. Sentinels stay untouched.
func (e *PoolError) WithDetail(key string, value interface{}) *PoolError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Common errors
var (
	ErrPoolUnavailable       = &PoolError{Code: CodePoolUnavailable, Message: "connection pool unavailable"}
	ErrPoolExhausted         = &PoolError{Code: CodePoolExhausted, Message: "connection pool exhausted"}
	ErrProbeFailed           = &PoolError{Code: CodeProbeFailed, Message: "connection probe failed"}
	ErrCheckinDamaged        = &PoolError{Code: CodeCheckinDamaged, Message: "connection damaged on checkin"}
	ErrConnectionUnavailable = &PoolError{Code: CodeConnectionUnavailable, Message: "no database connection available"}
	ErrStatementFailed       = &PoolError{Code: CodeStatementFailed, Message: "statement execution failed"}
	ErrConnReleased          = &PoolError{Code: CodeConnReleased, Message: "connection already released"}
	ErrInvalidConfig         = &PoolError{Code: CodeInvalidConfig, Message: "invalid configuration"}
)

// New creates a new PoolError with the given code and message.
func New(code, message string) *PoolError {
	return &PoolError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a PoolError.
func Wrap(err error, code, message string) *PoolError {
	if err == nil {
		return nil
	}
	return &PoolError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *PoolError {
	if err == nil {
		return nil
	}
	return &PoolError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsStatementError reports whether err came from a failed statement.
func IsStatementError(err error) bool {
	return hasCode(err, CodeStatementFailed)
}

// IsUnavailable reports whether err means no connection could be obtained at all.
func IsUnavailable(err error) bool {
	return hasCode(err, CodeConnectionUnavailable) ||
		hasCode(err, CodePoolUnavailable) ||
		hasCode(err, CodePoolExhausted)
}

// IsPlumbing reports whether err belongs to the internally handled tier: probe, checkin and
// pool construction failures.
func IsPlumbing(err error) bool {
	switch GetCode(err) {
	case CodePoolUnavailable, CodePoolExhausted, CodeProbeFailed, CodeCheckinDamaged:
		return true
	default:
		return false
	}
}

// hasCode walks the whole chain, so a STATEMENT_FAILED wrapped inside another PoolError is
// still found.
func hasCode(err error, code string) bool {
	for err != nil {
		var poolErr *PoolError
		if !errors.As(err, &poolErr) {
			return false
		}
		if poolErr.Code == code {
			return true
		}
		err = poolErr.Cause
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var poolErr *PoolError
	if errors.As(err, &poolErr) {
		return poolErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var poolErr *PoolError
	if errors.As(err, &poolErr) {
		return poolErr.Message
	}
	return err.Error()
}
