// Package server composes the control plane: it owns the protocol, session,
// auth, tool, load-balancing and monitoring components and dispatches every
// request a transport delivers through one pipeline.
//
// # Request Pipeline
//
// Each request passes these stages in order:
//
//  1. initialize negotiates a protocol version, creates (or reuses) the
//     connection's session and authenticates it. The session id is returned
//     in the result and, over HTTP, in the Mcp-Session-Id header.
//  2. Any other method requires an initialized session, otherwise -32002.
//  3. With authentication enabled, expired or revoked credentials fail with
//     -32001.
//  4. The load balancer admits or rejects the request (-32000).
//  5. The tool router handles built-in methods and tools under the request
//     timeout (-32006 when exceeded).
//
// Every outcome is recorded by the performance monitor, the load balancer,
// and, when enabled, Prometheus metrics and OpenTelemetry spans.
//
// # Creating a Server
//
//	cfg := server.DefaultConfig()
//	cfg.Transport.Kind = transport.KindHTTP
//
//	srv, err := server.New(cfg, server.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	srv.RegisterTool(tools.Tool{
//	    Name:        "util/echo",
//	    Description: "Returns its text argument",
//	    InputSchema: tools.ObjectSchema(map[string]interface{}{"text": tools.Prop("string", "")}, "text"),
//	    Handler: tools.HandlerFunc(func(ctx context.Context, in map[string]interface{}, tc *tools.Context) (interface{}, error) {
//	        return in["text"], nil
//	    }),
//	}, nil)
//
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop(context.Background())
//
// Start does not block. Transport failures are delivered on Errors, and Done
// is closed when the transport exits, for example when stdin reaches EOF.
package server
