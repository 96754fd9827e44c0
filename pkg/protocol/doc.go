// Package protocol defines the wire types of the control plane and the
// Protocol Manager that negotiates a version and capability set with each
// client during initialize.
//
// # Files
//
//   - jsonrpc.go: JSON-RPC 2.0 envelopes, parsing and error conversion
//   - version.go: protocol versions and their total order
//   - capabilities.go: capability sets, intersection and feature filtering
//   - mcp.go: method names and the initialize handshake payloads
//   - manager.go: the version registry and negotiation
//
// # Negotiation
//
// A client announces a version and capabilities in initialize. The manager
// rejects versions it does not know and versions with a different major
// component or newer than the server. Otherwise the client's version is
// agreed, the capability sets are intersected and filtered to the features
// of the agreed version, and deprecations or missing features are reported
// as warnings and limitations:
//
//	{
//	    "jsonrpc": "2.0",
//	    "id": 1,
//	    "method": "initialize",
//	    "params": {
//	        "protocolVersion": {"major": 2024, "minor": 11, "patch": 5},
//	        "capabilities": {"tools": {"listChanged": true}},
//	        "clientInfo": {"name": "example", "version": "1.0.0"}
//	    }
//	}
package protocol
