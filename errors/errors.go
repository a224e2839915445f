// Package errors defines the framework error taxonomy: typed MessagingError
// values created from registered definitions, classification by type and
// severity, and the retryability metadata the reliability package consumes.
package errors

import (
	"fmt"
	"time"
)

// Type classifies an error by its origin.
type Type string

const (
	TypeConnection Type = "connection"
	TypeTransport  Type = "transport"
	TypeTimeout    Type = "timeout"
	TypeValidation Type = "validation"
	TypeSchema     Type = "schema"
	TypeAuth       Type = "auth"
	TypePermission Type = "permission"
	TypeRequest    Type = "request"
	TypeResponse   Type = "response"
	TypeState      Type = "state"
	TypeSystem     Type = "system"
	TypeBusiness   Type = "business"
	TypeUnknown    Type = "unknown"
)

// Severity grades how serious an error is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// MessagingError is the framework error value. Instances are produced by a
// Registry from a registered definition, or synthesized for foreign errors.
type MessagingError struct {
	Code       string
	Message    string
	Type       Type
	Severity   Severity
	Retryable  bool
	RetryDelay time.Duration
	MaxRetries int
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface.
func (e *MessagingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *MessagingError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error's definition marks it retryable.
func (e *MessagingError) IsRetryable() bool {
	return e.Retryable
}

// ResponseError is the sanitized form sent back to a caller. Internal detail
// (cause chain, severity, retry metadata) is stripped.
type ResponseError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ToResponseError strips the error down to what crosses the transport.
func (e *MessagingError) ToResponseError() ResponseError {
	return ResponseError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// WithCause returns a copy of the error wrapping cause.
func (e *MessagingError) WithCause(cause error) *MessagingError {
	dup := *e
	dup.Cause = cause
	return &dup
}

// WithDetails returns a copy of the error carrying the given details.
func (e *MessagingError) WithDetails(details map[string]interface{}) *MessagingError {
	dup := *e
	dup.Details = details
	return &dup
}
