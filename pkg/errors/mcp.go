package errors

import (
	"fmt"
	"time"
)

// AdmissionErrorData explains why the load balancer turned a request away.
type AdmissionErrorData struct {
	Reason     string `json:"reason"`
	RetryAfter string `json:"retryAfter,omitempty"`
}

// AuthErrorData contains structured data for authentication and
// authorization failures
type AuthErrorData struct {
	Method      string   `json:"method,omitempty"`
	Permission  string   `json:"permission,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// VersionErrorData is attached to protocol version failures so clients can
// retry with the recommended version.
type VersionErrorData struct {
	Requested   interface{}   `json:"requested"`
	Recommended interface{}   `json:"recommended,omitempty"`
	Supported   []interface{} `json:"supported,omitempty"`
}

// ValidationErrorData lists input schema violations.
type ValidationErrorData struct {
	Tool       string   `json:"tool,omitempty"`
	Violations []string `json:"violations"`
}

// Protocol errors

// ParseError reports an undecodable message.
func ParseError(cause error) MCPError {
	return WrapError(cause, CodeParseError, "Parse error")
}

// InvalidRequest reports a structurally invalid JSON-RPC envelope.
func InvalidRequest(reason string) MCPError {
	return NewError(CodeInvalidRequest, "Invalid request", "", "").WithDetail(reason)
}

// NotInitialized is returned for any method other than initialize on a
// session that has not completed the handshake.
func NotInitialized() MCPError {
	return NewError(CodeNotInitialized, "Server not initialized", "", "")
}

// UnsupportedVersion reports a client protocol version the server does not
// know about.
func UnsupportedVersion(requested, recommended interface{}, supported []interface{}) MCPError {
	return NewError(
		CodeProtocolVersion,
		fmt.Sprintf("Unsupported protocol version %v", requested),
		"", "",
	).WithData(&VersionErrorData{
		Requested:   requested,
		Recommended: recommended,
		Supported:   supported,
	})
}

// IncompatibleVersion reports a known client version that cannot be served.
func IncompatibleVersion(requested, server interface{}, reason string) MCPError {
	return NewError(
		CodeProtocolVersion,
		fmt.Sprintf("Protocol version %v is not compatible with server version %v", requested, server),
		"", "",
	).WithDetail(reason).WithData(&VersionErrorData{
		Requested:   requested,
		Recommended: server,
	})
}

// Not found

// MethodNotFound reports an unknown method.
func MethodNotFound(method string) MCPError {
	return NewError(CodeMethodNotFound, fmt.Sprintf("Method not found: %s", method), "", "")
}

// ToolNotFound reports an unknown tool.
func ToolNotFound(name string) MCPError {
	return NewError(CodeMethodNotFound, fmt.Sprintf("Tool not found: %s", name), "", "")
}

// Validation

// InvalidParams reports malformed method parameters.
func InvalidParams(reason string) MCPError {
	return NewError(CodeInvalidParams, "Invalid params", "", "").WithDetail(reason)
}

// InputValidationFailed reports tool input that does not satisfy the tool's
// input schema.
func InputValidationFailed(tool string, violations []string) MCPError {
	return NewError(
		CodeInvalidParams,
		fmt.Sprintf("Invalid input for tool %s", tool),
		"", "",
	).WithData(&ValidationErrorData{Tool: tool, Violations: violations})
}

// ValidationError reports a rejected registration or configuration value. It
// is not sent to clients.
func ValidationError(format string, args ...interface{}) MCPError {
	return NewError(CodeInvalidParams, fmt.Sprintf(format, args...), CategoryValidation, SeverityError)
}

// Authentication and authorization

// AuthenticationRequired is returned when auth is enabled and the session has
// not authenticated.
func AuthenticationRequired() MCPError {
	return NewError(CodeAuthenticationFailed, "Authentication required", "", "")
}

// AuthenticationFailed reports rejected credentials.
func AuthenticationFailed(method, reason string) MCPError {
	return NewError(CodeAuthenticationFailed, "Authentication failed", "", "").
		WithDetail(reason).
		WithData(&AuthErrorData{Method: method, Reason: reason})
}

// PermissionDenied reports a missing permission.
func PermissionDenied(permission string, held []string) MCPError {
	return NewError(
		CodePermissionDenied,
		fmt.Sprintf("Insufficient permissions: %s required", permission),
		"", "",
	).WithData(&AuthErrorData{Permission: permission, Permissions: held})
}

// Admission

// RateLimited reports a request rejected by the load balancer.
func RateLimited(reason string, retryAfter time.Duration) MCPError {
	data := &AdmissionErrorData{Reason: reason}
	if retryAfter > 0 {
		data.RetryAfter = retryAfter.String()
	}
	return NewError(CodeRateLimited, "Rate limit exceeded or service unavailable", "", "").
		WithDetail(reason).
		WithData(data)
}

// SessionLimitReached reports that no more sessions can be created.
func SessionLimitReached(limit int) MCPError {
	return NewError(CodeSessionError, fmt.Sprintf("Maximum number of sessions reached (%d)", limit), "", "")
}

// SessionNotFound reports an unknown or expired session.
func SessionNotFound(id string) MCPError {
	return NewError(CodeSessionError, fmt.Sprintf("Session not found: %s", id), CategoryNotFound, SeverityWarning)
}

// Timeouts, lifecycle and internal failures

// RequestTimeout reports a request that exceeded its deadline.
func RequestTimeout(method string, timeout time.Duration) MCPError {
	return NewError(CodeRequestTimeout, fmt.Sprintf("Request %s timed out after %s", method, timeout), "", "")
}

// InvalidState reports a lifecycle operation attempted from the wrong state.
func InvalidState(operation, state string) MCPError {
	return NewError(
		CodeLifecycleError,
		fmt.Sprintf("cannot %s server in state %s", operation, state),
		"", "",
	)
}

// InternalError wraps an unexpected failure. Only the generic message is sent
// to clients; the cause is kept for logs.
func InternalError(cause error) MCPError {
	return WrapError(cause, CodeInternalError, "Internal error")
}
