// Package client is a JSON-RPC client for the control plane's HTTP
// transport. It performs the initialize handshake, carries the session id
// and credentials on every request, and wraps the built-in tool methods.
//
//	c := client.New("http://127.0.0.1:8080",
//	    client.WithName("ops-cli"),
//	    client.WithCredentials(protocol.Credentials{Token: token}),
//	)
//	if _, err := c.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer c.Close(context.Background())
//
//	var out map[string]interface{}
//	err := c.CallTool(ctx, "system/echo", map[string]interface{}{"text": "hi"}, &out)
//
// Server-side failures are returned as *protocol.Error carrying the
// JSON-RPC code.
package client
