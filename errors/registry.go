package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/meshrpc/meshrpc-go/contracts"
)

// Registry holds compiled error definitions keyed by code. A registry is
// built once from a contract and read-only afterwards, so lookups need no
// locking.
type Registry struct {
	defs map[string]compiledDefinition
}

type compiledDefinition struct {
	template   string
	errType    Type
	severity   Severity
	retryable  bool
	retryDelay time.Duration
	maxRetries int
}

// NewRegistry compiles contract error definitions into a registry. Unset type
// or severity fields default to TypeBusiness / SeverityError, matching the
// taxonomy's treatment of domain errors.
func NewRegistry(defs []contracts.ErrorDefinition) *Registry {
	r := &Registry{defs: make(map[string]compiledDefinition, len(defs))}
	for _, def := range defs {
		compiled := compiledDefinition{
			template:   def.Message,
			errType:    TypeBusiness,
			severity:   SeverityError,
			retryable:  def.Retryable,
			retryDelay: time.Duration(def.DelayMs) * time.Millisecond,
			maxRetries: def.MaxRetries,
		}
		if def.Type != "" {
			compiled.errType = Type(def.Type)
		}
		if def.Severity != "" {
			compiled.severity = Severity(def.Severity)
		}
		r.defs[def.Code] = compiled
	}
	return r
}

// New creates a MessagingError for a registered code, filling {param}
// placeholders in the message template. Unregistered codes synthesize an
// unknown-type error carrying the code and params as details rather than
// failing.
func (r *Registry) New(code string, params map[string]interface{}) *MessagingError {
	def, ok := r.defs[code]
	if !ok {
		return &MessagingError{
			Code:     code,
			Message:  fmt.Sprintf("unregistered error code %s", code),
			Type:     TypeUnknown,
			Severity: SeverityError,
			Details:  params,
		}
	}
	msg := def.template
	for key, value := range params {
		msg = strings.ReplaceAll(msg, "{"+key+"}", fmt.Sprintf("%v", value))
	}
	return &MessagingError{
		Code:       code,
		Message:    msg,
		Type:       def.errType,
		Severity:   def.severity,
		Retryable:  def.retryable,
		RetryDelay: def.retryDelay,
		MaxRetries: def.maxRetries,
	}
}

// Has reports whether a code is registered.
func (r *Registry) Has(code string) bool {
	_, ok := r.defs[code]
	return ok
}

// New creates a MessagingError without a registry, for framework-internal
// errors whose classification is known at the call site.
func New(code string, errType Type, msg string) *MessagingError {
	return &MessagingError{
		Code:     code,
		Message:  msg,
		Type:     errType,
		Severity: SeverityError,
	}
}

// Newf is New with a formatted message.
func Newf(code string, errType Type, format string, args ...interface{}) *MessagingError {
	return New(code, errType, fmt.Sprintf(format, args...))
}

// Wrap converts any error into a MessagingError. A MessagingError anywhere in
// the chain is returned as-is; foreign errors are wrapped as unknown-type,
// non-retryable.
func Wrap(err error) *MessagingError {
	if err == nil {
		return nil
	}
	var me *MessagingError
	if stderrors.As(err, &me) {
		return me
	}
	return &MessagingError{
		Code:     "UNKNOWN_ERROR",
		Message:  err.Error(),
		Type:     TypeUnknown,
		Severity: SeverityError,
		Cause:    err,
	}
}

// IsRetryable reports whether err is a retryable MessagingError. Foreign
// errors are not retryable; opting in requires classification.
func IsRetryable(err error) bool {
	var me *MessagingError
	if stderrors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// IsType reports whether err is a MessagingError of the given type.
func IsType(err error, t Type) bool {
	var me *MessagingError
	if stderrors.As(err, &me) {
		return me.Type == t
	}
	return false
}

// Connection-level errors the framework raises itself. Token expiry is the
// one auth condition that is retryable (a single refresh attempt is
// worthwhile).
var (
	ErrNotConnected = &MessagingError{
		Code: "NOT_CONNECTED", Message: "not connected", Type: TypeConnection, Severity: SeverityError, Retryable: true,
	}
	ErrConnectionFailed = &MessagingError{
		Code: "CONNECTION_FAILED", Message: "connection failed", Type: TypeConnection, Severity: SeverityError, Retryable: true,
	}
	ErrConnectionLost = &MessagingError{
		Code: "CONNECTION_LOST", Message: "connection lost", Type: TypeConnection, Severity: SeverityError, Retryable: true,
	}
	ErrRequestTimeout = &MessagingError{
		Code: "REQUEST_TIMEOUT", Message: "request timed out", Type: TypeTimeout, Severity: SeverityError, Retryable: true,
	}
	ErrPermissionDenied = &MessagingError{
		Code: "PERMISSION_DENIED", Message: "permission denied", Type: TypePermission, Severity: SeverityError,
	}
	ErrTokenExpired = &MessagingError{
		Code: "TOKEN_EXPIRED", Message: "authentication token expired", Type: TypeAuth, Severity: SeverityWarning, Retryable: true, MaxRetries: 1,
	}
)
