package errors

// JSON-RPC 2.0 standard error codes
const (
	CodeParseError     int = -32700
	CodeInvalidRequest int = -32600
	CodeMethodNotFound int = -32601
	CodeInvalidParams  int = -32602
	CodeInternalError  int = -32603
)

// Server-defined error codes (-32000 to -32099)
const (
	// CodeRateLimited covers every admission rejection: rate limit,
	// open circuit and a full or timed-out request queue.
	CodeRateLimited int = -32000

	CodeAuthenticationFailed int = -32001
	CodeNotInitialized       int = -32002
	CodePermissionDenied     int = -32003
	CodeProtocolVersion      int = -32004
	CodeSessionError         int = -32005
	CodeRequestTimeout       int = -32006
	CodeLifecycleError       int = -32007
)

// ErrorCodeInfo describes a registered error code
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request object", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method or tool does not exist", CategoryNotFound, SeverityWarning},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryValidation, SeverityWarning},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal error", CategoryInternal, SeverityError},

	CodeRateLimited:          {CodeRateLimited, "RateLimited", "Request rejected by admission control", CategoryAdmission, SeverityWarning},
	CodeAuthenticationFailed: {CodeAuthenticationFailed, "AuthenticationFailed", "Authentication required or failed", CategoryAuthentication, SeverityWarning},
	CodeNotInitialized:       {CodeNotInitialized, "NotInitialized", "Session not initialized", CategoryProtocol, SeverityWarning},
	CodePermissionDenied:     {CodePermissionDenied, "PermissionDenied", "Insufficient permissions", CategoryAuthorization, SeverityWarning},
	CodeProtocolVersion:      {CodeProtocolVersion, "ProtocolVersion", "Protocol version not supported", CategoryProtocol, SeverityError},
	CodeSessionError:         {CodeSessionError, "SessionError", "Session error", CategoryAdmission, SeverityWarning},
	CodeRequestTimeout:       {CodeRequestTimeout, "RequestTimeout", "Request timed out", CategoryTimeout, SeverityError},
	CodeLifecycleError:       {CodeLifecycleError, "LifecycleError", "Invalid lifecycle transition", CategoryLifecycle, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// IsServerDefinedCode reports whether code lies in the implementation-defined
// server error range.
func IsServerDefinedCode(code int) bool {
	return code >= -32099 && code <= -32000
}
