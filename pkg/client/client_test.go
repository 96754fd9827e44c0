package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
	"github.com/ajitpratap0/mcp-control-plane/pkg/pagination"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
	"github.com/ajitpratap0/mcp-control-plane/pkg/server"
	"github.com/ajitpratap0/mcp-control-plane/pkg/tools"
	"github.com/ajitpratap0/mcp-control-plane/pkg/transport"
)

func newControlPlane(t *testing.T, mutate func(*server.Config)) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Transport.Kind = transport.KindHTTP
	cfg.LoadBalancer.Enabled = false
	cfg.Monitor.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := server.New(cfg)
	require.NoError(t, err)

	require.NoError(t, srv.RegisterTool(tools.Tool{
		Name:        "util/echo",
		Description: "echo",
		InputSchema: tools.ObjectSchema(map[string]interface{}{
			"text": tools.Prop("string", ""),
		}, "text"),
		Handler: tools.HandlerFunc(func(_ context.Context, in map[string]interface{}, tc *tools.Context) (interface{}, error) {
			return map[string]interface{}{"text": in["text"], "session": tc.SessionID}, nil
		}),
	}, nil))

	ht := srv.Transport().(*transport.HTTPTransport)
	ts := httptest.NewServer(ht.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func rpcCode(t *testing.T, err error) protocol.ErrorCode {
	t.Helper()
	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr), "expected JSON-RPC error, got %v", err)
	return rpcErr.Code
}

func TestClientInitializeAndCallTool(t *testing.T) {
	_, ts := newControlPlane(t, nil)
	ctx := context.Background()

	c := New(ts.URL, WithName("test"), WithVersion("1.0.0"))
	assert.Empty(t, c.SessionID())

	result, err := c.Initialize(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, result.SessionID, c.SessionID())
	assert.Equal(t, "mcp-control-plane", result.ServerInfo.Name)
	assert.Same(t, result, c.ServerInfo())

	require.NoError(t, c.Ping(ctx))

	var out map[string]interface{}
	require.NoError(t, c.CallTool(ctx, "util/echo", map[string]interface{}{"text": "hi"}, &out))
	assert.Equal(t, "hi", out["text"])
	assert.Equal(t, c.SessionID(), out["session"])

	desc, err := c.DescribeTool(ctx, "util/echo")
	require.NoError(t, err)
	assert.Equal(t, "util/echo", desc.Name)
	assert.EqualValues(t, 1, desc.Metrics.TotalInvocations)

	sid := c.SessionID()
	_, err = c.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, sid, c.SessionID(), "re-initialize keeps the session")
}

func TestClientRequiresInitialize(t *testing.T) {
	_, ts := newControlPlane(t, nil)

	err := New(ts.URL).Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, protocol.ErrorCode(mcperrors.CodeNotInitialized), rpcCode(t, err))
}

func TestClientToolErrors(t *testing.T) {
	_, ts := newControlPlane(t, nil)
	ctx := context.Background()

	c := New(ts.URL)
	_, err := c.Initialize(ctx)
	require.NoError(t, err)

	err = c.CallTool(ctx, "util/echo", map[string]interface{}{}, nil)
	assert.Equal(t, protocol.ErrorCode(mcperrors.CodeInvalidParams), rpcCode(t, err))

	err = c.CallTool(ctx, "util/missing", nil, nil)
	require.Error(t, err)

	err = c.Call(ctx, "no.such.method", nil, nil)
	assert.Equal(t, protocol.ErrorCode(mcperrors.CodeMethodNotFound), rpcCode(t, err))
}

func TestClientListAllToolsFollowsCursors(t *testing.T) {
	srv, ts := newControlPlane(t, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, srv.RegisterTool(tools.Tool{
			Name:        fmt.Sprintf("batch/t%d", i),
			Description: "no-op",
			InputSchema: tools.ObjectSchema(nil),
			Handler: tools.HandlerFunc(func(context.Context, map[string]interface{}, *tools.Context) (interface{}, error) {
				return nil, nil
			}),
		}, nil))
	}

	c := New(ts.URL)
	_, err := c.Initialize(ctx)
	require.NoError(t, err)

	page, err := c.ListTools(ctx, "", &pagination.Params{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page.Tools, 3)
	assert.Equal(t, 8, page.Total)
	assert.NotEmpty(t, page.NextCursor)

	all, err := c.ListAllTools(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func TestClientCredentials(t *testing.T) {
	_, ts := newControlPlane(t, func(cfg *server.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Method = "token"
		cfg.Auth.Tokens = []string{"good-token"}
	})
	ctx := context.Background()

	_, err := New(ts.URL, WithCredentials(protocol.Credentials{Token: "bad"})).Initialize(ctx)
	assert.Equal(t, protocol.ErrorCode(mcperrors.CodeAuthenticationFailed), rpcCode(t, err))

	c := New(ts.URL, WithAuthorization("Bearer good-token"))
	_, err = c.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Ping(ctx))
}

func TestClientClose(t *testing.T) {
	srv, ts := newControlPlane(t, nil)
	ctx := context.Background()

	require.NoError(t, New(ts.URL).Close(ctx), "closing an uninitialized client is a no-op")

	c := New(ts.URL)
	_, err := c.Initialize(ctx)
	require.NoError(t, err)
	sid := c.SessionID()
	assert.Equal(t, 1, srv.SessionManager().Count())

	require.NoError(t, c.Close(ctx))
	assert.Empty(t, c.SessionID())
	assert.Nil(t, c.ServerInfo())
	assert.Equal(t, 0, srv.SessionManager().Count())

	stale := New(ts.URL)
	stale.sessionID = sid
	err = stale.Ping(ctx)
	assert.Equal(t, protocol.ErrorCode(mcperrors.CodeNotInitialized), rpcCode(t, err))
}

func TestClientPropagatesTraceContext(t *testing.T) {
	headers := make(chan http.Header, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	tp, err := observability.NewTracingProvider(observability.TracingConfig{ExporterType: observability.ExporterTypeNoop})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.StartRequestSpan(context.Background(), "tools.invoke", "")
	defer span.End()

	c := New(ts.URL, WithTracing(tp))
	require.NoError(t, c.Notify(ctx, "notifications/initialized", nil))

	h := <-headers
	assert.Contains(t, h.Get("Traceparent"), span.SpanContext().TraceID().String())
}
