package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-control-plane/pkg/auth"
	mcperrors "github.com/ajitpratap0/mcp-control-plane/pkg/errors"
	"github.com/ajitpratap0/mcp-control-plane/pkg/loadbalancer"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
	"github.com/ajitpratap0/mcp-control-plane/pkg/tools"
	"github.com/ajitpratap0/mcp-control-plane/pkg/transport"
	"github.com/ajitpratap0/mcp-control-plane/pkg/utils"
)

var (
	v100 = protocol.Version{Major: 1, Minor: 0, Patch: 0}
	v120 = protocol.Version{Major: 1, Minor: 2, Patch: 0}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testProtocol() *protocol.Manager {
	return protocol.NewManager(
		protocol.WithVersions(v120,
			protocol.VersionInfo{Version: v100, Features: []string{protocol.FeatureTools}, Deprecated: true, MigrationGuide: "upgrade to 1.2.0"},
			protocol.VersionInfo{Version: v120, Features: []string{protocol.FeatureTools, protocol.FeatureLogging}},
		),
		protocol.WithServerCapabilities(protocol.Capabilities{
			Tools: &protocol.ListChangedCapability{ListChanged: true},
		}),
	)
}

func newTestServer(t *testing.T, mutate func(*Config), opts ...Option) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithProtocolManager(testProtocol())}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s
}

func call(t *testing.T, s *Server, info *transport.RequestInfo, id interface{}, method string, params interface{}) *protocol.Response {
	t.Helper()
	req, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	ctx := transport.ContextWithRequestInfo(context.Background(), info)
	resp := s.Handle(ctx, req)
	require.NotNil(t, resp)
	return resp
}

func initParams(version string, creds *protocol.Credentials) map[string]interface{} {
	p := map[string]interface{}{
		"protocolVersion": version,
		"clientInfo":      map[string]string{"name": "test-client", "version": "1.0"},
	}
	if creds != nil {
		p["credentials"] = creds
	}
	return p
}

func initialize(t *testing.T, s *Server, info *transport.RequestInfo, creds *protocol.Credentials) *protocol.InitializeResult {
	t.Helper()
	resp := call(t, s, info, 1, protocol.MethodInitialize, initParams("1.2.0", creds))
	require.Nil(t, resp.Error, "initialize failed: %+v", resp.Error)
	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return &result
}

func errCode(t *testing.T, resp *protocol.Response) int {
	t.Helper()
	require.NotNil(t, resp.Error, "expected an error response")
	return int(resp.Error.Code)
}

func TestInitializeNegotiatesDeprecatedVersion(t *testing.T) {
	s := newTestServer(t, nil)
	info := transport.NewRequestInfo(transport.KindHTTP, "")

	resp := call(t, s, info, 1, protocol.MethodInitialize, initParams("1.0.0", nil))
	require.Nil(t, resp.Error)

	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, v100, result.ProtocolVersion)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "deprecated")
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, result.SessionID, info.SessionID())
	assert.Equal(t, "mcp-control-plane", result.ServerInfo.Name)

	sess, ok := s.SessionManager().GetSession(result.SessionID)
	require.True(t, ok)
	assert.True(t, sess.IsInitialized)
	assert.Equal(t, v100, sess.ProtocolVersion)
	assert.Equal(t, "test-client", sess.ClientInfo.Name)
}

func TestInitializeRejectsUnsupportedVersion(t *testing.T) {
	s := newTestServer(t, nil)
	info := transport.NewRequestInfo(transport.KindHTTP, "")

	resp := call(t, s, info, 1, protocol.MethodInitialize, initParams("2.0.0", nil))
	assert.Equal(t, mcperrors.CodeProtocolVersion, errCode(t, resp))
	assert.Empty(t, info.SessionID())
	assert.Zero(t, s.SessionManager().Count())

	resp = call(t, s, info, 2, protocol.MethodInitialize, map[string]interface{}{})
	assert.Equal(t, mcperrors.CodeInvalidParams, errCode(t, resp))
}

func TestReinitializeReusesSession(t *testing.T) {
	s := newTestServer(t, nil)
	info := transport.NewRequestInfo(transport.KindStdio, "")

	first := initialize(t, s, info, nil)
	second := initialize(t, s, info, nil)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, s.SessionManager().Count())
}

func TestRequestsBeforeInitializeFail(t *testing.T) {
	s := newTestServer(t, nil)

	resp := call(t, s, transport.NewRequestInfo(transport.KindHTTP, ""), 1, tools.MethodPing, nil)
	assert.Equal(t, mcperrors.CodeNotInitialized, errCode(t, resp))

	resp = call(t, s, transport.NewRequestInfo(transport.KindHTTP, "no-such-session"), 2, tools.MethodPing, nil)
	assert.Equal(t, mcperrors.CodeNotInitialized, errCode(t, resp))
}

func TestNotificationAfterInitialize(t *testing.T) {
	s := newTestServer(t, nil)
	info := transport.NewRequestInfo(transport.KindHTTP, "")
	initialize(t, s, info, nil)

	req := &protocol.Request{
		JSONRPCMessage: protocol.JSONRPCMessage{JSONRPC: protocol.JSONRPCVersion},
		Method:         protocol.MethodNotificationsInitialized,
	}
	resp := s.Handle(transport.ContextWithRequestInfo(context.Background(), info), req)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestToolInvocation(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.RegisterTool(tools.Tool{
		Name:        "math/add",
		Description: "Adds two numbers",
		InputSchema: tools.Schema{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"a", "b"},
		},
		Handler: tools.HandlerFunc(func(_ context.Context, in map[string]interface{}, tc *tools.Context) (interface{}, error) {
			assert.Nil(t, tc.Principal, "no principal with auth disabled")
			return in["a"].(float64) + in["b"].(float64), nil
		}),
	}, nil))

	info := transport.NewRequestInfo(transport.KindHTTP, "")
	initialize(t, s, info, nil)

	resp := call(t, s, info, 2, tools.MethodToolsInvoke, map[string]interface{}{
		"name": "math/add", "input": map[string]interface{}{"a": 2, "b": 3},
	})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `5`, string(resp.Result))

	resp = call(t, s, info, 3, "math/add", map[string]interface{}{"a": 1})
	assert.Equal(t, mcperrors.CodeInvalidParams, errCode(t, resp))

	resp = call(t, s, info, 4, "math/sub", nil)
	assert.Equal(t, mcperrors.CodeMethodNotFound, errCode(t, resp))

	m := s.Metrics()
	assert.Equal(t, int64(2), m.ToolInvocations["math/add"])
	assert.Equal(t, int64(1), m.ErrorsByCode[mcperrors.CodeMethodNotFound])
	assert.Equal(t, int64(4), m.TotalRequests)
	assert.Equal(t, int64(2), m.FailedRequests)
}

func basicAuthConfig(c *Config) {
	c.Auth.Enabled = true
	c.Auth.Method = auth.MethodBasic
	c.Auth.Users = []auth.User{
		{Username: "alice", Password: "secret", Permissions: []string{"admin.read"}},
	}
}

func TestPermissionGateBlocksHandler(t *testing.T) {
	s := newTestServer(t, basicAuthConfig)

	var writes, reads atomic.Int32
	require.NoError(t, s.RegisterTool(tools.Tool{
		Name:        "admin/write",
		Description: "Writes admin state",
		InputSchema: tools.ObjectSchema(nil),
		Handler:     tools.HandlerFunc(func(context.Context, map[string]interface{}, *tools.Context) (interface{}, error) {
			writes.Add(1)
			return "written", nil
		}),
	}, &tools.Capability{RequiredPermissions: []string{"admin.write"}}))
	require.NoError(t, s.RegisterTool(tools.Tool{
		Name:        "admin/read",
		Description: "Reads admin state",
		InputSchema: tools.ObjectSchema(nil),
		Handler:     tools.HandlerFunc(func(_ context.Context, _ map[string]interface{}, tc *tools.Context) (interface{}, error) {
			reads.Add(1)
			return tc.Principal.User, nil
		}),
	}, &tools.Capability{RequiredPermissions: []string{"admin.read"}}))

	info := transport.NewRequestInfo(transport.KindHTTP, "")
	initialize(t, s, info, &protocol.Credentials{Username: "alice", Password: "secret"})

	resp := call(t, s, info, 2, "admin/write", nil)
	assert.Equal(t, mcperrors.CodePermissionDenied, errCode(t, resp))
	assert.Equal(t, int32(0), writes.Load())

	resp = call(t, s, info, 3, "admin/read", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"alice"`, string(resp.Result))
	assert.Equal(t, int32(1), reads.Load())
}

func TestInitializeRejectsBadCredentials(t *testing.T) {
	s := newTestServer(t, basicAuthConfig)
	info := transport.NewRequestInfo(transport.KindHTTP, "")

	resp := call(t, s, info, 1, protocol.MethodInitialize,
		initParams("1.2.0", &protocol.Credentials{Username: "alice", Password: "wrong"}))
	assert.Equal(t, mcperrors.CodeAuthenticationFailed, errCode(t, resp))
	assert.Empty(t, info.SessionID())
	assert.Zero(t, s.SessionManager().Count(), "failed handshakes leave no session behind")

	resp = call(t, s, info, 2, protocol.MethodInitialize, initParams("1.2.0", nil))
	assert.Equal(t, mcperrors.CodeAuthenticationFailed, errCode(t, resp))
}

func TestFailedReinitializeKeepsSessionState(t *testing.T) {
	s := newTestServer(t, basicAuthConfig)
	info := transport.NewRequestInfo(transport.KindHTTP, "")
	alice := &protocol.Credentials{Username: "alice", Password: "secret"}

	resp := call(t, s, info, 1, protocol.MethodInitialize, initParams("1.2.0", alice))
	require.Nil(t, resp.Error)
	sid := info.SessionID()

	resp = call(t, s, info, 2, protocol.MethodInitialize,
		initParams("1.0.0", &protocol.Credentials{Username: "alice", Password: "wrong"}))
	assert.Equal(t, mcperrors.CodeAuthenticationFailed, errCode(t, resp))

	sess, ok := s.SessionManager().GetSession(sid)
	require.True(t, ok, "a failed re-initialize keeps the existing session")
	assert.Equal(t, v120, sess.ProtocolVersion)
	assert.Equal(t, "alice", sess.AuthData.User)
	assert.Nil(t, call(t, s, info, 3, tools.MethodPing, nil).Error)
}

func TestAuthorizationHeaderFallback(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.Auth.Enabled = true
		c.Auth.Method = auth.MethodToken
		c.Auth.Tokens = []string{"static-token"}
	})
	info := transport.NewRequestInfo(transport.KindHTTP, "")
	info.Authorization = "Bearer static-token"

	initialize(t, s, info, nil)
	resp := call(t, s, info, 2, tools.MethodPing, nil)
	assert.Nil(t, resp.Error)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	clock := newFakeClock()
	s := newTestServer(t, func(c *Config) {
		c.Auth.Enabled = true
		c.Auth.Method = auth.MethodToken
	}, WithClock(clock.Now))

	token, _, err := s.AuthManager().CreateToken("bob", []string{"*"}, time.Minute)
	require.NoError(t, err)

	info := transport.NewRequestInfo(transport.KindHTTP, "")
	initialize(t, s, info, &protocol.Credentials{Token: token})
	assert.Nil(t, call(t, s, info, 2, tools.MethodPing, nil).Error)

	clock.Advance(2 * time.Minute)
	resp := call(t, s, info, 3, tools.MethodPing, nil)
	assert.Equal(t, mcperrors.CodeAuthenticationFailed, errCode(t, resp))
}

func TestRevokedTokenIsRejected(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.Auth.Enabled = true
		c.Auth.Method = auth.MethodToken
	})
	token, _, err := s.AuthManager().CreateToken("bob", []string{"*"}, time.Hour)
	require.NoError(t, err)

	info := transport.NewRequestInfo(transport.KindHTTP, "")
	initialize(t, s, info, &protocol.Credentials{Token: token})

	s.AuthManager().RevokeToken(token)
	resp := call(t, s, info, 2, tools.MethodPing, nil)
	assert.Equal(t, mcperrors.CodeAuthenticationFailed, errCode(t, resp))
}

func TestRateLimitRejectsExcess(t *testing.T) {
	clock := newFakeClock()
	s := newTestServer(t, func(c *Config) {
		c.LoadBalancer = LoadBalancerConfig{Enabled: true, Config: loadbalancer.Config{MaxRequestsPerSecond: 100}}
	}, WithClock(clock.Now))

	info := transport.NewRequestInfo(transport.KindHTTP, "")
	initialize(t, s, info, nil)

	rejected := 0
	for i := 0; i < 101; i++ {
		resp := call(t, s, info, i+10, tools.MethodPing, nil)
		if resp.Error != nil {
			assert.Equal(t, mcperrors.CodeRateLimited, int(resp.Error.Code))
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)

	lb := s.Metrics().LoadBalancer
	require.NotNil(t, lb)
	assert.Equal(t, int64(1), lb.RateLimited)
	assert.Equal(t, int64(101), s.Monitor().CurrentMetrics().RequestCount, "rejected requests are not monitored")

	clock.Advance(time.Second)
	assert.Nil(t, call(t, s, info, 500, tools.MethodPing, nil).Error)
}

func TestRequestTimeout(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.RequestTimeout = 50 * time.Millisecond })
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.RegisterTool(tools.Tool{
		Name:        "slow/wait",
		Description: "Blocks until canceled",
		InputSchema: tools.ObjectSchema(nil),
		Handler:     tools.HandlerFunc(func(ctx context.Context, _ map[string]interface{}, _ *tools.Context) (interface{}, error) {
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
			return "late", nil
		}),
	}, nil))

	info := transport.NewRequestInfo(transport.KindHTTP, "")
	initialize(t, s, info, nil)

	start := time.Now()
	resp := call(t, s, info, 2, "slow/wait", nil)
	assert.Equal(t, mcperrors.CodeRequestTimeout, errCode(t, resp))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandlerPanicIsInternalError(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.RegisterTool(tools.Tool{
		Name:        "bad/panic",
		Description: "Panics",
		InputSchema: tools.ObjectSchema(nil),
		Handler:     tools.HandlerFunc(func(context.Context, map[string]interface{}, *tools.Context) (interface{}, error) {
			panic("kaboom")
		}),
	}, nil))

	info := transport.NewRequestInfo(transport.KindHTTP, "")
	initialize(t, s, info, nil)

	resp := call(t, s, info, 2, "bad/panic", nil)
	assert.Equal(t, mcperrors.CodeInternalError, errCode(t, resp))
	assert.NotContains(t, resp.Error.Message, "kaboom")
}

func TestTerminateSession(t *testing.T) {
	s := newTestServer(t, nil)
	info := transport.NewRequestInfo(transport.KindHTTP, "")
	result := initialize(t, s, info, nil)

	assert.Len(t, s.Sessions(), 1)
	assert.True(t, s.TerminateSession(result.SessionID))
	assert.False(t, s.TerminateSession(result.SessionID))

	resp := call(t, s, info, 2, tools.MethodPing, nil)
	assert.Equal(t, mcperrors.CodeNotInitialized, errCode(t, resp))
}

func TestSessionLimit(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Sessions.MaxSessions = 1 })
	initialize(t, s, transport.NewRequestInfo(transport.KindHTTP, ""), nil)

	resp := call(t, s, transport.NewRequestInfo(transport.KindHTTP, ""), 1, protocol.MethodInitialize, initParams("1.2.0", nil))
	assert.Equal(t, mcperrors.CodeSessionError, errCode(t, resp))
}

func TestStartStopLifecycle(t *testing.T) {
	utils.VerifyNoLeaks(t).SetAllowedGrowth(2)

	inR, inW := io.Pipe()
	s := newTestServer(t, func(c *Config) {
		c.Transport.Stdio = transport.StdioConfig{Reader: inR, Writer: io.Discard}
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start fails")
	assert.True(t, s.Healthy(context.Background()))

	require.NoError(t, inW.Close())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not notice end of input")
	}
	assert.False(t, s.Health(context.Background())[ComponentTransport])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, s.Start(context.Background()), "a stopped server cannot restart")
}

func TestStdioEndToEnd(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := newTestServer(t, func(c *Config) {
		c.Transport.Stdio = transport.StdioConfig{Reader: inR, Writer: outW}
	})
	require.NoError(t, s.Start(context.Background()))
	defer func() {
		_ = inW.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = outR.Close()
	}()

	replies := bufio.NewScanner(outR)
	send := func(line string) map[string]interface{} {
		_, err := io.WriteString(inW, line+"\n")
		require.NoError(t, err)
		require.True(t, replies.Scan())
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(replies.Bytes(), &msg))
		return msg
	}

	msg := send(`{"jsonrpc":"2.0","id":1,"method":"rpc.ping"}`)
	assert.Equal(t, float64(mcperrors.CodeNotInitialized), msg["error"].(map[string]interface{})["code"])

	msg = send(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1.2.0","clientInfo":{"name":"cli"}}}`)
	require.Contains(t, msg, "result")

	msg = send(`{"jsonrpc":"2.0","id":3,"method":"rpc.ping"}`)
	require.Contains(t, msg, "result")
	assert.Equal(t, true, msg["result"].(map[string]interface{})["pong"])
}

func TestHTTPEndToEnd(t *testing.T) {
	utils.VerifyNoLeaks(t).SetAllowedGrowth(4)

	s := newTestServer(t, func(c *Config) {
		c.Transport.Kind = transport.KindHTTP
		c.Transport.HTTP = transport.HTTPConfig{Host: "127.0.0.1", Port: 0}
	})
	require.NoError(t, s.Start(context.Background()))

	ht := s.Transport().(*transport.HTTPTransport)
	select {
	case <-ht.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener not ready")
	}
	base := fmt.Sprintf("http://%s", ht.Addr())
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

	do := func(method, body, session string) *http.Response {
		req, err := http.NewRequest(method, base+transport.PathRPC, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if session != "" {
			req.Header.Set(transport.HeaderSessionID, session)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := do(http.MethodPost, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1.2.0"}}`, "")
	sid := resp.Header.Get(transport.HeaderSessionID)
	resp.Body.Close()
	require.NotEmpty(t, sid)

	resp = do(http.MethodPost, `{"jsonrpc":"2.0","id":2,"method":"tools.list"}`, sid)
	var msg map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	resp.Body.Close()
	assert.Contains(t, msg, "result")

	health, err := client.Get(base + transport.PathHealth)
	require.NoError(t, err)
	var report HealthReport
	require.NoError(t, json.NewDecoder(health.Body).Decode(&report))
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, 1, report.Sessions)

	metrics, err := client.Get(base + transport.PathMetrics)
	require.NoError(t, err)
	body, _ := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	assert.Contains(t, string(body), "mcp_active_sessions")

	resp = do(http.MethodDelete, "", sid)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(http.MethodPost, `{"jsonrpc":"2.0","id":3,"method":"rpc.ping"}`, sid)
	msg = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	resp.Body.Close()
	assert.Equal(t, float64(mcperrors.CodeNotInitialized), msg["error"].(map[string]interface{})["code"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
