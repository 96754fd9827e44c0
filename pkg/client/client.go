package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
	"github.com/ajitpratap0/mcp-control-plane/pkg/pagination"
	"github.com/ajitpratap0/mcp-control-plane/pkg/protocol"
	"github.com/ajitpratap0/mcp-control-plane/pkg/tools"
	"github.com/ajitpratap0/mcp-control-plane/pkg/transport"
)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithName sets the client name sent during initialize
func WithName(name string) ClientOption {
	return func(c *Client) { c.info.Name = name }
}

// WithVersion sets the client version sent during initialize
func WithVersion(version string) ClientOption {
	return func(c *Client) { c.info.Version = version }
}

// WithProtocolVersion sets the protocol version the client asks for
func WithProtocolVersion(v protocol.Version) ClientOption {
	return func(c *Client) { c.protocolVersion = v }
}

// WithCredentials sends credentials in the initialize params
func WithCredentials(creds protocol.Credentials) ClientOption {
	return func(c *Client) { c.credentials = &creds }
}

// WithAuthorization sets the Authorization header of every request
func WithAuthorization(value string) ClientOption {
	return func(c *Client) { c.authorization = value }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTracing propagates trace context through tp instead of the global
// propagator
func WithTracing(tp *observability.TracingProvider) ClientOption {
	return func(c *Client) { c.tracer = tp }
}

// Client talks to a control plane over its HTTP transport. It is safe for
// concurrent use once initialized.
type Client struct {
	baseURL         string
	http            *http.Client
	info            protocol.ClientInfo
	protocolVersion protocol.Version
	credentials     *protocol.Credentials
	authorization   string
	tracer          *observability.TracingProvider

	nextID atomic.Int64

	mu        sync.RWMutex
	sessionID string
	result    *protocol.InitializeResult
}

// New returns a client for the server at baseURL, e.g. "http://127.0.0.1:8080".
func New(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{Timeout: 30 * time.Second},
		info:            protocol.ClientInfo{Name: "mcp-client", Version: "0.1.0"},
		protocolVersion: latestVersion(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func latestVersion() protocol.Version {
	versions := protocol.DefaultVersions()
	return versions[len(versions)-1].Version
}

// Initialize negotiates a protocol version and binds the returned session to
// the client. Calling it again re-initializes the same session.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	params := protocol.InitializeParams{
		ProtocolVersion: c.protocolVersion,
		ClientInfo:      c.info,
		Credentials:     c.credentials,
	}

	var result protocol.InitializeResult
	if err := c.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if result.SessionID != "" {
		c.sessionID = result.SessionID
	}
	c.result = &result
	c.mu.Unlock()

	if err := c.Notify(ctx, protocol.MethodNotificationsInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// SessionID returns the bound session, empty before Initialize
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerInfo returns the initialize result, nil before Initialize
func (c *Client) ServerInfo() *protocol.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result
}

// Call sends one request and decodes its result into out, which may be nil.
// A JSON-RPC error is returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	req, err := protocol.NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}

	body, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	if body == nil {
		return fmt.Errorf("no response to %s", method)
	}

	var resp protocol.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification, which has no response.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	req, err := protocol.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	_, err = c.post(ctx, req)
	return err
}

// Ping checks that the server answers on the bound session.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, tools.MethodPing, nil, nil)
}

// ListTools fetches one page of tools.
func (c *Client) ListTools(ctx context.Context, category string, page *pagination.Params) (*tools.ListResult, error) {
	params := tools.ListParams{Category: category}
	if page != nil {
		params.Params = *page
	}
	var result tools.ListResult
	if err := c.Call(ctx, tools.MethodToolsList, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListAllTools follows cursors until every tool in category is fetched.
func (c *Client) ListAllTools(ctx context.Context, category string) ([]tools.Info, error) {
	var (
		all  []tools.Info
		page pagination.Params
	)
	for {
		result, err := c.ListTools(ctx, category, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, result.Tools...)
		if result.NextCursor == "" {
			return all, nil
		}
		page.Cursor = result.NextCursor
	}
}

// DescribeTool returns a tool's definition and invocation metrics.
func (c *Client) DescribeTool(ctx context.Context, name string) (*tools.DescribeResult, error) {
	var result tools.DescribeResult
	if err := c.Call(ctx, tools.MethodToolsDescribe, map[string]string{"name": name}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool invokes a tool through tools.invoke and decodes its output into out.
func (c *Client) CallTool(ctx context.Context, name string, input map[string]interface{}, out interface{}) error {
	return c.Call(ctx, tools.MethodToolsInvoke, tools.InvokeParams{Name: name, Input: input}, out)
}

// Close terminates the session on the server. A client that never
// initialized has nothing to close.
func (c *Client) Close(ctx context.Context) error {
	id := c.SessionID()
	if id == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+transport.PathRPC, nil)
	if err != nil {
		return err
	}
	req.Header.Set(transport.HeaderSessionID, id)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("terminating session: unexpected status %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.sessionID = ""
	c.result = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) post(ctx context.Context, msg *protocol.Request) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transport.PathRPC, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := c.SessionID(); id != "" {
		req.Header.Set(transport.HeaderSessionID, id)
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}
	if c.tracer != nil {
		c.tracer.Inject(ctx, propagation.HeaderCarrier(req.Header))
	} else {
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", msg.Method, err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(transport.HeaderSessionID); id != "" {
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
	}

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return body, nil
	case http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%s: HTTP %d: %s", msg.Method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
