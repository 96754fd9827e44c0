package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
)

func newTestRouter(t *testing.T, names ...string) *Router {
	t.Helper()
	r := NewRegistry()
	for _, n := range names {
		require.NoError(t, r.Register(echoTool(n), nil))
	}
	return NewRouter(r, WithIntegrations(Integrations{MemoryStore: "mem"}))
}

func request(t *testing.T, method string, params interface{}) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(1, method, params)
	require.NoError(t, err)
	return req
}

func TestRoutePing(t *testing.T) {
	rt := newTestRouter(t)
	out, err := rt.Route(context.Background(), request(t, MethodPing, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]interface{})["pong"])
}

func TestRouteDiscover(t *testing.T) {
	rt := newTestRouter(t, "util/echo")
	out, err := rt.Route(context.Background(), request(t, MethodDiscover, nil), nil)
	require.NoError(t, err)

	methods := out.(map[string]interface{})["methods"].([]MethodInfo)
	assert.Len(t, methods, len(builtinDescriptions)+1)
	last := methods[len(methods)-1]
	assert.Equal(t, "util/echo", last.Name)
	assert.False(t, last.Builtin)
}

func TestRouteDescribe(t *testing.T) {
	rt := newTestRouter(t, "util/echo")

	out, err := rt.Route(context.Background(), request(t, MethodDescribe, map[string]string{"method": MethodPing}), nil)
	require.NoError(t, err)
	assert.True(t, out.(MethodInfo).Builtin)

	out, err = rt.Route(context.Background(), request(t, MethodDescribe, map[string]string{"method": "util/echo"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "util", out.(*DescribeResult).Capability.Category)

	_, err = rt.Route(context.Background(), request(t, MethodDescribe, map[string]string{"method": "nope"}), nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeMethodNotFound))

	_, err = rt.Route(context.Background(), request(t, MethodDescribe, nil), nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))
}

func TestRouteToolsList(t *testing.T) {
	rt := newTestRouter(t, "memory/a", "memory/b", "memory/c", "agent/spawn")

	out, err := rt.Route(context.Background(), request(t, MethodToolsList, map[string]interface{}{"category": "memory", "limit": 2}), nil)
	require.NoError(t, err)
	res := out.(*ListResult)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Tools, 2)
	assert.NotEmpty(t, res.NextCursor)

	out, err = rt.Route(context.Background(), request(t, MethodToolsList, map[string]interface{}{"category": "memory", "cursor": res.NextCursor}), nil)
	require.NoError(t, err)
	res = out.(*ListResult)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "memory/c", res.Tools[0].Name)
	assert.Empty(t, res.NextCursor)

	_, err = rt.Route(context.Background(), request(t, MethodToolsList, map[string]interface{}{"cursor": "bogus!"}), nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))
}

func TestRouteToolsInvokeAndDirect(t *testing.T) {
	rt := newTestRouter(t, "util/echo")

	out, err := rt.Route(context.Background(), request(t, MethodToolsInvoke, map[string]interface{}{
		"name":  "util/echo",
		"input": map[string]interface{}{"msg": "hi"},
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out.(map[string]interface{})["echo"])

	out, err = rt.Route(context.Background(), request(t, "util/echo", map[string]interface{}{"msg": "direct"}), nil)
	require.NoError(t, err)
	assert.Equal(t, "direct", out.(map[string]interface{})["echo"])

	_, err = rt.Route(context.Background(), request(t, MethodToolsInvoke, map[string]interface{}{}), nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))

	_, err = rt.Route(context.Background(), request(t, "util/missing", nil), nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeMethodNotFound))

	req := request(t, "util/echo", nil)
	req.Params = json.RawMessage(`[1,2]`)
	_, err = rt.Route(context.Background(), req, nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))

	m := rt.Metrics()
	assert.Equal(t, int64(5), m.TotalRequests)
	assert.Equal(t, int64(2), m.SuccessfulRequests)
	assert.Equal(t, int64(3), m.FailedRequests)
}

func TestRouteToolsDescribeIncludesMetrics(t *testing.T) {
	rt := newTestRouter(t, "util/echo")
	_, err := rt.Route(context.Background(), request(t, "util/echo", map[string]interface{}{"msg": "x"}), nil)
	require.NoError(t, err)

	out, err := rt.Route(context.Background(), request(t, MethodToolsDescribe, map[string]string{"name": "util/echo"}), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.(*DescribeResult).Metrics.TotalInvocations)

	_, err = rt.Route(context.Background(), request(t, MethodToolsDescribe, map[string]string{"name": "x/y"}), nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeMethodNotFound))
}

func TestRouteHandsIntegrationsToHandler(t *testing.T) {
	reg := NewRegistry()
	var seen *Context
	require.NoError(t, reg.Register(Tool{
		Name:        "ctx/capture",
		Description: "Captures the invocation context",
		InputSchema: Schema{},
		Handler: HandlerFunc(func(_ context.Context, _ map[string]interface{}, tc *Context) (interface{}, error) {
			seen = tc
			return nil, nil
		}),
	}, nil))
	rt := NewRouter(reg, WithIntegrations(Integrations{MemoryStore: "mem"}))

	_, err := rt.Route(context.Background(), request(t, "ctx/capture", nil), &Context{SessionID: "s1"})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "s1", seen.SessionID)
	assert.Equal(t, "mem", seen.Integrations.MemoryStore)
	assert.NotNil(t, seen.Logger)
}
