// Package errors provides the structured error type used across the control
// plane. Every error that can reach a client carries a JSON-RPC code, a
// category from the server's taxonomy and a severity used for logging.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Category classifies an error for handling and metrics.
type Category string

const (
	CategoryProtocol       Category = "protocol"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryNotFound       Category = "not_found"
	CategoryValidation     Category = "validation"
	CategoryAdmission      Category = "admission"
	CategoryLifecycle      Category = "lifecycle"
	CategoryTimeout        Category = "timeout"
	CategoryInternal       Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records where and when an error occurred.
type Context struct {
	RequestID string    `json:"request_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

// MCPError is implemented by every error the server produces on purpose.
type MCPError interface {
	error

	// Code returns the JSON-RPC error code
	Code() int

	// Message returns the client-facing message
	Message() string

	// Details returns extra technical description for logs
	Details() string

	// Data returns structured data sent in the error's data member
	Data() interface{}

	Category() Category
	Severity() Severity
	Context() *Context

	// WithContext returns a copy carrying ctx
	WithContext(ctx *Context) MCPError

	// WithDetail returns a copy with detail appended
	WithDetail(detail string) MCPError

	// WithData returns a copy carrying data
	WithData(data interface{}) MCPError

	Unwrap() error

	// ToJSON returns a map suitable for structured logging
	ToJSON() map[string]interface{}
}

type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int          { return e.code }
func (e *baseError) Message() string    { return e.message }
func (e *baseError) Details() string    { return e.details }
func (e *baseError) Data() interface{}  { return e.data }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Context() *Context  { return e.context }
func (e *baseError) Unwrap() error      { return e.cause }

func (e *baseError) WithContext(ctx *Context) MCPError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

func (e *baseError) WithDetail(detail string) MCPError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

func (e *baseError) WithData(data interface{}) MCPError {
	newErr := *e
	newErr.data = data
	return &newErr
}

func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}
	if e.details != "" {
		result["details"] = e.details
	}
	if e.data != nil {
		result["data"] = e.data
	}
	if e.context != nil {
		result["context"] = e.context
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewError creates an MCPError. Category and severity default to the values
// registered for code when left empty.
func NewError(code int, message string, category Category, severity Severity) MCPError {
	if category == "" {
		category = GetErrorCodeCategory(code)
	}
	if severity == "" {
		severity = GetErrorCodeSeverity(code)
	}
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// NewErrorf creates an MCPError with a formatted message using the
// registered category and severity for code.
func NewErrorf(code int, format string, args ...interface{}) MCPError {
	return NewError(code, fmt.Sprintf(format, args...), "", "")
}

// WrapError wraps err as an MCPError. The cause stays reachable through
// errors.Is and errors.As.
func WrapError(err error, code int, message string) MCPError {
	return &baseError{
		code:     code,
		message:  message,
		category: GetErrorCodeCategory(code),
		severity: GetErrorCodeSeverity(code),
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsMCPError finds the first MCPError in err's chain.
func AsMCPError(err error) (MCPError, bool) {
	if err == nil {
		return nil, false
	}
	var mcpErr MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr, true
	}
	return nil, false
}

// IsMCPError reports whether err's chain contains an MCPError.
func IsMCPError(err error) bool {
	_, ok := AsMCPError(err)
	return ok
}

// IsCategory reports whether err is an MCPError of the given category.
func IsCategory(err error, category Category) bool {
	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr.Category() == category
	}
	return false
}

// IsCode reports whether err is an MCPError with the given code.
func IsCode(err error, code int) bool {
	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr.Code() == code
	}
	return false
}
