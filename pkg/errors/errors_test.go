package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *PoolError
		expected string
	}{
		{
			name: "error without cause",
			err: &PoolError{
				Code:    CodePoolExhausted,
				Message: "no idle sessions",
			},
			expected: "POOL_EXHAUSTED: no idle sessions",
		},
		{
			name: "error with cause",
			err: &PoolError{
				Code:    CodeStatementFailed,
				Message: "insert failed",
				Cause:   fmt.Errorf("duplicate key"),
			},
			expected: "STATEMENT_FAILED: insert failed (caused by: duplicate key)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestPoolError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := &PoolError{
		Code:    CodeProbeFailed,
		Message: "probe failed",
		Cause:   cause,
	}

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, ErrProbeFailed))
	assert.True(t, errors.Is(err, cause))
}

func TestPoolError_Is(t *testing.T) {
	err1 := &PoolError{Code: CodePoolExhausted, Message: "exhausted"}
	err2 := &PoolError{Code: CodePoolExhausted, Message: "different message"}
	err3 := &PoolError{Code: CodePoolUnavailable, Message: "unavailable"}
	stdErr := fmt.Errorf("standard error")

	assert.True(t, err1.Is(err2), "errors with same code should match")
	assert.False(t, err1.Is(err3), "errors with different codes should not match")
	assert.False(t, err1.Is(stdErr), "pool error should not match standard error")
}

func TestPoolError_WithDetail(t *testing.T) {
	err := ErrConnReleased.WithDetail("token", "abc").WithDetail("owner", "billing")

	assert.Equal(t, "abc", err.Details["token"])
	assert.Equal(t, "billing", err.Details["owner"])
	assert.Nil(t, ErrConnReleased.Details, "sentinel must not be mutated")
	assert.True(t, errors.Is(err, ErrConnReleased))
}

func TestPoolError_WithDetails(t *testing.T) {
	err := New(CodeInvalidConfig, "bad bounds")
	details := map[string]interface{}{"pool_min": 5, "pool_max": 2}

	err = err.WithDetails(details)
	assert.Equal(t, details, err.Details)

	merged := err.WithDetail("driver", "mysql").WithDetails(map[string]interface{}{"pool_max": 3})
	assert.Equal(t, 3, merged.Details["pool_max"])
	assert.Equal(t, "mysql", merged.Details["driver"])
	assert.Equal(t, 2, err.Details["pool_max"], "receiver must not be mutated")

	tagged := ErrPoolExhausted.WithDetails(map[string]interface{}{"pool_max": 5})
	assert.Equal(t, 5, tagged.Details["pool_max"])
	assert.Nil(t, ErrPoolExhausted.Details, "sentinel must not be mutated")
	assert.True(t, errors.Is(tagged, ErrPoolExhausted))
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := Wrap(cause, CodeStatementFailed, "wrapped message")

	assert.Equal(t, CodeStatementFailed, err.Code)
	assert.Equal(t, "wrapped message", err.Message)
	assert.Equal(t, cause, err.Cause)

	assert.Nil(t, Wrap(nil, CodeStatementFailed, "message"))
}

func TestWrapf(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := Wrapf(cause, CodeCheckinDamaged, "session %d damaged", 42)

	assert.Equal(t, CodeCheckinDamaged, err.Code)
	assert.Equal(t, "session 42 damaged", err.Message)
	assert.Equal(t, cause, err.Cause)

	assert.Nil(t, Wrapf(nil, CodeCheckinDamaged, "message %d", 42))
}

func TestClassification(t *testing.T) {
	stmt := Wrap(fmt.Errorf("syntax error"), CodeStatementFailed, "query failed")
	nested := Wrap(stmt, CodeInternal, "scope failed")

	tests := []struct {
		name        string
		err         error
		statement   bool
		unavailable bool
		plumbing    bool
	}{
		{name: "statement", err: stmt, statement: true},
		{name: "nested statement", err: nested, statement: true},
		{name: "connection unavailable", err: ErrConnectionUnavailable, unavailable: true},
		{name: "pool exhausted", err: ErrPoolExhausted, unavailable: true, plumbing: true},
		{name: "probe failed", err: ErrProbeFailed, plumbing: true},
		{name: "checkin damaged", err: ErrCheckinDamaged, plumbing: true},
		{name: "standard error", err: fmt.Errorf("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.statement, IsStatementError(tt.err))
			assert.Equal(t, tt.unavailable, IsUnavailable(tt.err))
			assert.Equal(t, tt.plumbing, IsPlumbing(tt.err))
		})
	}
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, CodePoolExhausted, GetCode(ErrPoolExhausted))
	assert.Equal(t, CodeInternal, GetCode(fmt.Errorf("standard error")))
	assert.Equal(t, CodeStatementFailed, GetCode(fmt.Errorf("ctx: %w", ErrStatementFailed)))
}

func TestGetMessage(t *testing.T) {
	assert.Equal(t, "connection pool exhausted", GetMessage(ErrPoolExhausted))
	assert.Equal(t, "standard error", GetMessage(fmt.Errorf("standard error")))
}
