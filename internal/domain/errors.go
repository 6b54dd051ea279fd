package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels. Components return these (usually wrapped in a
// DomainError); the HTTP surface performs the final mapping to status codes.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrConflict      = fmt.Errorf("conflict")
	ErrValidation    = fmt.Errorf("validation failed")
	ErrUnauthorized  = fmt.Errorf("unauthorized")
	ErrForbidden     = fmt.Errorf("forbidden")
	ErrQuotaExceeded = fmt.Errorf("quota exceeded")
	ErrRateLimited   = fmt.Errorf("rate limited")
	ErrUnavailable   = fmt.Errorf("service unavailable")
	ErrInternal      = fmt.Errorf("internal error")
)

// Provider-level sentinels. Agents surface these unchanged; the dispatcher
// classifies them into transient/permanent failure causes.
var (
	ErrProviderUnavailable = fmt.Errorf("provider unavailable")
	ErrProviderRejected    = fmt.Errorf("provider rejected request")
	ErrProviderTimeout     = fmt.Errorf("provider timed out")
	ErrProviderQuota       = fmt.Errorf("provider quota exceeded")
	ErrProviderFatal       = fmt.Errorf("provider fatal error")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string   // operation name (e.g. "Dispatcher.Submit")
	Err    error    // underlying sentinel or wrapped error
	Detail string   // human-readable detail
	Fields []string // offending fields for validation errors
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewValidationError creates a DomainError wrapping ErrValidation,
// recording the offending fields.
func NewValidationError(op, detail string, fields ...string) *DomainError {
	return &DomainError{Op: op, Err: ErrValidation, Detail: detail, Fields: fields}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// QuotaError reports which tenant quota dimension was exceeded and when a
// retry may succeed. It wraps ErrQuotaExceeded.
type QuotaError struct {
	Dimension  string
	Limit      int64
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (limit %d)", e.Dimension, e.Limit)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// ForbiddenError carries the missing permission tag.
type ForbiddenError struct {
	Missing Permission
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: missing permission %q", e.Missing)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// IsTransient reports whether err represents a provider failure that the
// dispatcher may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeValidation          ErrorCode = "VALIDATION"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeUnavailable         ErrorCode = "UNAVAILABLE"
	CodeInternal            ErrorCode = "INTERNAL"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    ErrorCode = "PROVIDER_REJECTED"
	CodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	CodeProviderQuota       ErrorCode = "PROVIDER_QUOTA"
	CodeProviderFatal       ErrorCode = "PROVIDER_FATAL"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:            CodeNotFound,
	ErrConflict:            CodeConflict,
	ErrValidation:          CodeValidation,
	ErrUnauthorized:        CodeUnauthorized,
	ErrForbidden:           CodeForbidden,
	ErrQuotaExceeded:       CodeQuotaExceeded,
	ErrRateLimited:         CodeRateLimited,
	ErrUnavailable:         CodeUnavailable,
	ErrInternal:            CodeInternal,
	ErrProviderUnavailable: CodeProviderUnavailable,
	ErrProviderRejected:    CodeProviderRejected,
	ErrProviderTimeout:     CodeProviderTimeout,
	ErrProviderQuota:       CodeProviderQuota,
	ErrProviderFatal:       CodeProviderFatal,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is and returns CodeUnknown when no
// sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
