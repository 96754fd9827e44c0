// Package transport carries JSON-RPC 2.0 messages between clients and the
// server's dispatch Handler.
//
// # Supported Transport Types
//
// StdioTransport:
//   - One JSON value (a message or a batch) per line on stdin
//   - One reply per line on stdout; logs belong on stderr
//   - The whole stream is a single connection bound to one session
//   - EOF closes the transport cleanly after in-flight replies are written
//
// HTTPTransport:
//   - POST /rpc with a JSON body; arrays are processed as a batch
//   - The Mcp-Session-Id header carries the session in both directions
//   - DELETE /rpc terminates the session named by the header
//   - GET /health and, when metrics are configured, GET /metrics
//   - TLS when a certificate and key are configured
//
// Both transports answer undecodable input with a -32700 error whose id is
// null, answer invalid envelopes with -32600, and never reply to
// notifications.
//
// # Usage
//
//	t := transport.NewHTTPTransport(transport.HTTPConfig{Port: 8080}, srv.Handle,
//		transport.WithHTTPLogger(logger),
//		transport.WithHTTPMetrics(metrics),
//	)
//	err := t.Start(ctx)
package transport
