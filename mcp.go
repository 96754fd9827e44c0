package mcp

import (
	"github.com/ajitpratap0/mcp-control-plane/pkg/client"
	"github.com/ajitpratap0/mcp-control-plane/pkg/config"
	"github.com/ajitpratap0/mcp-control-plane/pkg/lifecycle"
	"github.com/ajitpratap0/mcp-control-plane/pkg/server"
	"github.com/ajitpratap0/mcp-control-plane/pkg/tools"
	"github.com/ajitpratap0/mcp-control-plane/pkg/transport"
)

// Version is the module release
const Version = "0.1.0"

// Construction
var (
	// NewServer creates a control plane server
	NewServer = server.New

	// DefaultServerConfig returns a stdio server configuration
	DefaultServerConfig = server.DefaultConfig

	// NewLifecycleManager supervises servers built by a factory
	NewLifecycleManager = lifecycle.New

	// NewClient creates an HTTP client for a running server
	NewClient = client.New

	// LoadConfig reads a YAML configuration file
	LoadConfig = config.Load
)

// Server options
var (
	WithLogger        = server.WithLogger
	WithAuthenticator = server.WithAuthenticator
	WithIntegrations  = server.WithIntegrations
	WithMetrics       = server.WithMetrics
)

// Client options
var (
	WithClientName    = client.WithName
	WithClientVersion = client.WithVersion
	WithCredentials   = client.WithCredentials
)

// Tool helpers
var (
	ObjectSchema = tools.ObjectSchema
	Prop         = tools.Prop
)

// Transport kinds
const (
	TransportStdio = transport.KindStdio
	TransportHTTP  = transport.KindHTTP
)
