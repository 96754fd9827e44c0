// Package mcp is the root of a JSON-RPC control plane for Model Context
// Protocol style tool servers. It re-exports the constructors most hosts
// need so one import can build, configure and talk to a server.
//
// # Overview
//
// The control plane is split into sub-packages:
//
//   - pkg/protocol: JSON-RPC envelopes, versions and capability negotiation
//   - pkg/session: per-connection sessions with idle expiry
//   - pkg/auth: token, basic and OAuth authentication with permissions
//   - pkg/tools: the tool registry and request router
//   - pkg/loadbalancer: rate limiting, concurrency queueing and circuit breaking
//   - pkg/monitor: rolling performance snapshots, alerts and suggestions
//   - pkg/lifecycle: supervised start, stop, restart and health checks
//   - pkg/server: composition of the above behind a stdio or HTTP transport
//   - pkg/client: an HTTP client for a running server
//   - pkg/config: YAML configuration
//
// # Running a Server
//
//	cfg := mcp.DefaultServerConfig()
//	cfg.Transport.Kind = mcp.TransportHTTP
//
//	srv, err := mcp.NewServer(cfg, mcp.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	err = srv.RegisterTool(tools.Tool{
//	    Name:        "greet/hello",
//	    Description: "Greets someone by name",
//	    InputSchema: mcp.ObjectSchema(map[string]interface{}{"name": mcp.Prop("string", "who to greet")}, "name"),
//	    Handler: tools.HandlerFunc(func(ctx context.Context, in map[string]interface{}, tc *tools.Context) (interface{}, error) {
//	        return map[string]string{"greeting": "Hello, " + in["name"].(string)}, nil
//	    }),
//	}, nil)
//
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop(context.Background())
//
// For supervised operation with health checks and automatic restarts, wrap
// server construction in a lifecycle factory; cmd/mcp-server does exactly
// that from a YAML file.
//
// # Talking to a Server
//
//	c := mcp.NewClient("http://127.0.0.1:8080", mcp.WithClientName("ops"))
//	if _, err := c.Initialize(ctx); err != nil {
//	    return err
//	}
//	var out map[string]string
//	err := c.CallTool(ctx, "greet/hello", map[string]interface{}{"name": "Ada"}, &out)
package mcp
