package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"bare sentinel", ErrNotFound, CodeNotFound},
		{"wrapped sentinel", NewDomainError("store.get", ErrNotFound, "tenant missing"), CodeNotFound},
		{"deeply wrapped", fmt.Errorf("outer: %w", WrapOp("inner", ErrQuotaExceeded)), CodeQuotaExceeded},
		{"quota error", &QuotaError{Dimension: "tasks_per_day", Limit: 5000}, CodeQuotaExceeded},
		{"forbidden error", &ForbiddenError{Missing: PermAgentControl}, CodeForbidden},
		{"unknown", errors.New("boom"), CodeUnknown},
		{"provider timeout", WrapOp("model.invoke", ErrProviderTimeout), CodeProviderTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrProviderUnavailable))
	assert.True(t, IsTransient(WrapOp("invoke", ErrProviderTimeout)))
	assert.False(t, IsTransient(ErrProviderRejected))
	assert.False(t, IsTransient(ErrProviderQuota))
	assert.False(t, IsTransient(ErrProviderFatal))
	assert.False(t, IsTransient(nil))
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewValidationError("dispatch.submit", "payload rejected", "payload", "deadline")
	require.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, []string{"payload", "deadline"}, err.Fields)
	assert.Contains(t, err.Error(), "dispatch.submit")
}

func TestQuotaErrorRetryAfter(t *testing.T) {
	err := &QuotaError{Dimension: "tasks_per_day", Limit: 5000, RetryAfter: 3 * time.Hour}
	var qe *QuotaError
	require.True(t, errors.As(WrapOp("dispatch.submit", err), &qe))
	assert.Equal(t, 3*time.Hour, qe.RetryAfter)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("anything", nil))
}
