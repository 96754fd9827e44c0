package transport

import (
	"context"
	"encoding/json"
	"sync"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

// Transport carries JSON-RPC messages between clients and a Handler.
type Transport interface {
	// Start serves until the context is canceled, Stop is called or the
	// underlying stream ends. It blocks.
	Start(ctx context.Context) error

	// Stop halts the transport. It is safe to call more than once.
	Stop(ctx context.Context) error

	// Kind names the transport
	Kind() Kind
}

// Handler processes one request. A nil response means nothing is sent back,
// which is always the case for notifications.
type Handler func(ctx context.Context, req *protocol.Request) *protocol.Response

// Kind identifies the base transport implementation
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
)

// DefaultMaxMessageSize bounds a single inbound message
const DefaultMaxMessageSize = 4 << 20

// RequestInfo describes the connection a request arrived on. For stdio one
// value is shared by every line of the stream; for HTTP each request gets its
// own. The server records the session it created on initialize with
// SetSessionID so later requests on the same connection carry it.
type RequestInfo struct {
	Kind          Kind
	RemoteAddr    string
	Authorization string

	mu        sync.RWMutex
	sessionID string
}

// NewRequestInfo creates connection info, optionally bound to a session.
func NewRequestInfo(kind Kind, sessionID string) *RequestInfo {
	return &RequestInfo{Kind: kind, sessionID: sessionID}
}

// SessionID returns the session bound to the connection, if any.
func (i *RequestInfo) SessionID() string {
	if i == nil {
		return ""
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.sessionID
}

// SetSessionID binds the connection to a session.
func (i *RequestInfo) SetSessionID(id string) {
	i.mu.Lock()
	i.sessionID = id
	i.mu.Unlock()
}

type infoKey struct{}

// ContextWithRequestInfo attaches info to ctx. The bound session id, if any,
// is also recorded for logging.
func ContextWithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	ctx = context.WithValue(ctx, infoKey{}, info)
	if id := info.SessionID(); id != "" {
		ctx = logging.ContextWithSessionID(ctx, id)
	}
	return ctx
}

// RequestInfoFromContext returns the connection info attached to ctx.
func RequestInfoFromContext(ctx context.Context) (*RequestInfo, bool) {
	info, ok := ctx.Value(infoKey{}).(*RequestInfo)
	return info, ok && info != nil
}

// handlePayload decodes one inbound payload (a single message or a batch),
// dispatches every request and returns the encoded reply. A nil reply means
// nothing should be written: every message was a notification. Batch
// elements are handled in order.
func handlePayload(ctx context.Context, h Handler, data []byte, metrics *observability.Metrics) ([]byte, error) {
	items, isBatch, err := protocol.SplitBatch(data)
	if err != nil {
		return json.Marshal(protocol.ErrorResponse(nil, err))
	}
	if isBatch {
		metrics.RecordBatch(len(items))
	}

	responses := make([]*protocol.Response, 0, len(items))
	for _, item := range items {
		if resp := handleMessage(ctx, h, item); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		return nil, nil
	}
	if !isBatch {
		return json.Marshal(responses[0])
	}
	return json.Marshal(responses)
}

// handleMessage validates one message and hands it to h. Malformed messages
// are answered here without reaching the handler.
func handleMessage(ctx context.Context, h Handler, data json.RawMessage) *protocol.Response {
	req, err := protocol.ParseRequest(data)
	if err != nil {
		if mcperrors.IsCode(err, mcperrors.CodeParseError) || req == nil {
			return protocol.ErrorResponse(nil, err)
		}
		return protocol.ErrorResponse(validID(req.ID), err)
	}

	resp := h(ctx, req)
	if req.IsNotification() {
		return nil
	}
	if resp == nil {
		return protocol.ErrorResponse(req.ID, mcperrors.InternalError(nil))
	}
	return resp
}

// validID returns id when it may be echoed back, nil otherwise.
func validID(id interface{}) interface{} {
	switch id.(type) {
	case string, float64:
		return id
	default:
		return nil
	}
}
