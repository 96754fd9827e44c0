package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// ErrorCode is a JSON-RPC error code.
type ErrorCode int

// JSONRPCMessage carries the version member shared by all messages.
type JSONRPCMessage struct {
	JSONRPC string `json:"jsonrpc"`
}

// Request represents a JSON-RPC 2.0 request. A request without an id is a
// notification and never receives a response.
type Request struct {
	JSONRPCMessage
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether r expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// UnmarshalParams decodes the request params into v. Missing params leave v
// untouched.
func (r *Request) UnmarshalParams(v interface{}) error {
	if len(r.Params) == 0 || bytes.Equal(bytes.TrimSpace(r.Params), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return mcperrors.InvalidParams(err.Error())
	}
	return nil
}

// NewRequest creates a new JSON-RPC 2.0 request
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	paramsJSON, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Request{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Method:         method,
		Params:         paramsJSON,
	}, nil
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPCMessage
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewResponse creates a new JSON-RPC 2.0 success response
func NewResponse(id interface{}, result interface{}) (*Response, error) {
	resultJSON, err := marshalOptional(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	if resultJSON == nil {
		resultJSON = json.RawMessage("null")
	}
	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Result:         resultJSON,
	}, nil
}

// NewErrorResponse creates a new JSON-RPC 2.0 error response
func NewErrorResponse(id interface{}, rpcErr *Error) *Response {
	return &Response{
		JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
		ID:             id,
		Error:          rpcErr,
	}
}

// ErrorResponse converts err into an error response for id.
func ErrorResponse(id interface{}, err error) *Response {
	return NewErrorResponse(id, ErrorFromErr(err))
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrorFromErr maps err onto the wire. MCP errors keep their code, message
// and data; internal errors and anything unrecognized are reduced to a
// generic internal error so no server detail leaks to the client.
func ErrorFromErr(err error) *Error {
	mcpErr, ok := mcperrors.AsMCPError(err)
	if !ok || mcpErr.Code() == mcperrors.CodeInternalError {
		return &Error{Code: ErrorCode(mcperrors.CodeInternalError), Message: "Internal error"}
	}
	return &Error{
		Code:    ErrorCode(mcpErr.Code()),
		Message: mcpErr.Error(),
		Data:    mcpErr.Data(),
	}
}

// ParseRequest decodes a single message and validates the envelope.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, mcperrors.ParseError(err)
	}
	if req.JSONRPC != JSONRPCVersion {
		return &req, mcperrors.InvalidRequest(fmt.Sprintf("jsonrpc must be %q", JSONRPCVersion))
	}
	if req.Method == "" {
		return &req, mcperrors.InvalidRequest("method is required")
	}
	switch req.ID.(type) {
	case nil, string, float64:
	default:
		return &req, mcperrors.InvalidRequest("id must be a string or number")
	}
	return &req, nil
}

// SplitBatch reports whether data is a JSON array and returns its elements.
// A single message is returned as a one-element slice.
func SplitBatch(data []byte) ([]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return []json.RawMessage{trimmed}, false, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, true, mcperrors.ParseError(err)
	}
	if len(items) == 0 {
		return nil, true, mcperrors.InvalidRequest("empty batch")
	}
	return items, true, nil
}

func marshalOptional(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
