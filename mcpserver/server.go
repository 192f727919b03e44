package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/deploy"
	"github.com/isdmx/sandboxd/hub"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/stream"
)

const (
	serverName    = "sandboxd"
	serverVersion = "0.1.0"

	// EndpointPath serves the streamable HTTP transport
	EndpointPath = "/mcp"
	// MetricsPath serves the Prometheus registry
	MetricsPath = "/metrics"
)

// Params are the components the MCP server exposes
type Params struct {
	fx.In

	Config      *config.Config
	Logger      *zap.Logger
	Manager     *sandbox.Manager
	Coordinator *stream.Coordinator
	Deployer    *deploy.Deployer
	Hub         *hub.Hub
	Catalog     *deploy.Catalog      `optional:"true"`
	Registry    *prometheus.Registry `optional:"true"`
}

// MCPServer represents the MCP server
type MCPServer struct {
	config      *config.Config
	logger      *zap.Logger
	manager     *sandbox.Manager
	coordinator *stream.Coordinator
	deployer    *deploy.Deployer
	hub         *hub.Hub
	catalog     *deploy.Catalog
	registry    *prometheus.Registry
	mcpServer   *server.MCPServer

	mu         sync.Mutex
	httpServer *http.Server
	streamable *server.StreamableHTTPServer
	closed     bool
}

// New creates a new MCPServer
func New(p Params) (*MCPServer, error) {
	if p.Manager == nil || p.Coordinator == nil || p.Deployer == nil || p.Hub == nil {
		return nil, errors.New("mcpserver: manager, coordinator, deployer and hub are required")
	}

	s := &MCPServer{
		config:      p.Config,
		logger:      p.Logger,
		manager:     p.Manager,
		coordinator: p.Coordinator,
		deployer:    p.Deployer,
		hub:         p.Hub,
		catalog:     p.Catalog,
		registry:    p.Registry,
	}

	// Log configuration parameters on startup
	s.logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("provider.backend", s.config.Provider.Backend),
		zap.String("sandbox.template", s.config.Sandbox.Template),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.idle_timeout_sec", s.config.Sandbox.IdleTimeoutSec),
		zap.Int("execution.timeout_sec", s.config.Execution.TimeoutSec),
		zap.String("hub.path", s.config.Hub.Path),
		zap.String("deploy.template", s.config.Deploy.Template),
		zap.Strings("deploy.catalog", s.catalog.Names()),
	)

	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()

	return s, nil
}

// ServeStdio serves MCP over stdin/stdout until ctx is done
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	stdio := server.NewStdioServer(s.mcpServer)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}

// Handler returns the HTTP surface: the MCP endpoint, the output hub and,
// when enabled, the metrics endpoint.
func (s *MCPServer) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streamable == nil {
		s.streamable = server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(EndpointPath))
	}

	mux := http.NewServeMux()
	mux.Handle(EndpointPath, s.streamable)
	mux.Handle(s.config.Hub.Path, s.hub)
	if s.config.Server.MetricsEnabled && s.registry != nil {
		mux.Handle(MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// ListenAndServe serves the HTTP surface on the configured port until Shutdown
func (s *MCPServer) ListenAndServe() error {
	port := s.config.Server.HTTPPort
	handler := s.Handler()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting MCP server on HTTP",
		zap.Int("port", port),
		zap.String("mcp_path", EndpointPath),
		zap.String("hub_path", s.config.Hub.Path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http transport: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP transport, if it was started
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv, streamable := s.httpServer, s.streamable
	s.mu.Unlock()

	var errs []error
	if streamable != nil {
		errs = append(errs, streamable.Shutdown(ctx))
	}
	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
