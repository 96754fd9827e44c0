package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("req-1", "rpc.ping", nil)
	require.NoError(t, err)
	assert.Equal(t, JSONRPCVersion, req.JSONRPC)
	assert.Equal(t, "req-1", req.ID)
	assert.Empty(t, req.Params)
	assert.False(t, req.IsNotification())

	req, err = NewRequest(nil, "initialized", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.True(t, req.IsNotification())
	assert.JSONEq(t, `{"n":1}`, string(req.Params))
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode int
	}{
		{"valid", `{"jsonrpc":"2.0","id":1,"method":"rpc.ping"}`, 0},
		{"notification", `{"jsonrpc":"2.0","method":"initialized"}`, 0},
		{"malformed", `{"jsonrpc":`, mcperrors.CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, mcperrors.CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, mcperrors.CodeInvalidRequest},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"x"}`, mcperrors.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.input))
			if tt.wantCode == 0 {
				require.NoError(t, err)
				require.NotNil(t, req)
				return
			}
			require.Error(t, err)
			assert.True(t, mcperrors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestUnmarshalParams(t *testing.T) {
	req := &Request{Params: json.RawMessage(`{"name":"fs/read"}`)}
	var p struct{ Name string }
	require.NoError(t, req.UnmarshalParams(&p))
	assert.Equal(t, "fs/read", p.Name)

	empty := &Request{Params: json.RawMessage(`null`)}
	require.NoError(t, empty.UnmarshalParams(&p))

	bad := &Request{Params: json.RawMessage(`[1,2]`)}
	err := bad.UnmarshalParams(&p)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))
}

func TestNewResponse(t *testing.T) {
	resp, err := NewResponse(7, map[string]bool{"pong": true})
	require.NoError(t, err)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":{"pong":true}}`, string(data))

	nullResp, err := NewResponse(8, nil)
	require.NoError(t, err)
	data, err = json.Marshal(nullResp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":8,"result":null}`, string(data))
}

func TestErrorFromErr(t *testing.T) {
	rpcErr := ErrorFromErr(mcperrors.NotInitialized())
	assert.Equal(t, ErrorCode(mcperrors.CodeNotInitialized), rpcErr.Code)
	assert.Equal(t, "Server not initialized", rpcErr.Message)

	internal := ErrorFromErr(mcperrors.InternalError(errors.New("db password wrong")))
	assert.Equal(t, ErrorCode(mcperrors.CodeInternalError), internal.Code)
	assert.Equal(t, "Internal error", internal.Message)
	assert.Nil(t, internal.Data)

	plain := ErrorFromErr(errors.New("boom"))
	assert.Equal(t, ErrorCode(mcperrors.CodeInternalError), plain.Code)
	assert.NotContains(t, plain.Message, "boom")

	resp := ErrorResponse("a", mcperrors.ToolNotFound("x/y"))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"a","error":{"code":-32601,"message":"Tool not found: x/y"}}`, string(data))
}

func TestSplitBatch(t *testing.T) {
	items, batch, err := SplitBatch([]byte(` {"jsonrpc":"2.0"} `))
	require.NoError(t, err)
	assert.False(t, batch)
	assert.Len(t, items, 1)

	items, batch, err = SplitBatch([]byte(`[{"a":1},{"b":2}]`))
	require.NoError(t, err)
	assert.True(t, batch)
	assert.Len(t, items, 2)

	_, _, err = SplitBatch([]byte(`[]`))
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidRequest))

	_, _, err = SplitBatch([]byte(`[{"a":`))
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeParseError))
}
