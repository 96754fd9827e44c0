// Command mcp-server runs the control plane under the lifecycle manager.
//
// Usage:
//
//	mcp-server [-config mcp.yaml] [-transport stdio|http] [-port 8080]
//
// Logs go to stderr because stdout carries the stdio transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ajitpratap0/mcp-control-plane/pkg/config"
	"github.com/ajitpratap0/mcp-control-plane/pkg/lifecycle"
	"github.com/ajitpratap0/mcp-control-plane/pkg/logging"
	"github.com/ajitpratap0/mcp-control-plane/pkg/observability"
	"github.com/ajitpratap0/mcp-control-plane/pkg/server"
	"github.com/ajitpratap0/mcp-control-plane/pkg/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("MCP_CONFIG"), "path to YAML configuration")
	kind := flag.String("transport", "", "override transport kind (stdio or http)")
	port := flag.Int("port", 0, "override HTTP port")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *kind != "" {
		cfg.Transport.Kind = *kind
	}
	if *port != 0 {
		cfg.Transport.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewWithOptions(cfg.LoggerOptions(os.Stderr))
	if err != nil {
		return err
	}
	logger = logger.WithFields(logging.Component("main"))

	srvCfg := cfg.ServerConfig()

	// One collector set spans restarts so counters are not reset.
	var metrics *observability.Metrics
	if srvCfg.Metrics.Enabled {
		mc := srvCfg.Metrics.MetricsConfig
		mc.ServiceName = srvCfg.Name
		mc.ServiceVersion = srvCfg.Version
		if metrics, err = observability.NewMetrics(mc); err != nil {
			return fmt.Errorf("creating metrics: %w", err)
		}
	}

	factory := func() (lifecycle.Server, error) {
		srv, err := server.New(srvCfg,
			server.WithLogger(logger),
			server.WithMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}
		if err := registerBuiltinTools(srv); err != nil {
			return nil, err
		}
		return srv, nil
	}

	mgr := lifecycle.New(cfg.LifecycleConfig(), factory,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(metrics),
	)
	mgr.OnStateChange(func(c lifecycle.StateChange) {
		logger.Info("state changed",
			logging.String("from", string(c.From)),
			logging.String("to", string(c.To)),
			logging.String("reason", c.Reason))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-mgr.Finished():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.GracefulShutdownTimeout.Std()+5*time.Second)
	defer cancel()
	stopErr := mgr.Stop(shutdownCtx)

	if m := mgr.Metrics(); m.State == lifecycle.StateError {
		if m.LastError != "" {
			return fmt.Errorf("server failed: %s", m.LastError)
		}
		return fmt.Errorf("server failed")
	}
	return stopErr
}

// registerBuiltinTools installs the diagnostic tools every deployment carries.
func registerBuiltinTools(srv *server.Server) error {
	echo := tools.Tool{
		Name:        "system/echo",
		Description: "Returns its text argument",
		InputSchema: tools.ObjectSchema(map[string]interface{}{
			"text": tools.Prop("string", "text to echo"),
		}, "text"),
		Handler: tools.HandlerFunc(func(_ context.Context, in map[string]interface{}, _ *tools.Context) (interface{}, error) {
			return map[string]interface{}{"text": in["text"]}, nil
		}),
	}
	if err := srv.RegisterTool(echo, nil); err != nil {
		return err
	}

	status := tools.Tool{
		Name:        "system/status",
		Description: "Reports server health and request counters",
		InputSchema: tools.ObjectSchema(nil),
		Handler: tools.HandlerFunc(func(ctx context.Context, _ map[string]interface{}, _ *tools.Context) (interface{}, error) {
			m := srv.Metrics()
			return map[string]interface{}{
				"healthy":        srv.Healthy(ctx),
				"uptime":         srv.Uptime().String(),
				"activeSessions": m.ActiveSessions,
				"totalRequests":  m.TotalRequests,
				"failedRequests": m.FailedRequests,
			}, nil
		}),
	}
	return srv.RegisterTool(status, &tools.Capability{
		Name:        "system/status",
		Version:     "1.0.0",
		Description: status.Description,
		Category:    "system",
	})
}
