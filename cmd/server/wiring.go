package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/deploy"
	"github.com/isdmx/sandboxd/hub"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/stream"
)

// newApp assembles the application. Lifecycle hooks stop in reverse order,
// so transports close before the manager releases the sandboxes.
func newApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		fx.StopTimeout(cfg.Server.ShutdownTimeout()),

		// Provide dependencies
		fx.Provide(
			logger.NewFromConfig,
			newRegistry,
			metrics.New,
			newProvider,
			newManager,
			newCoordinator,
			newHub,
			newCatalog,
			newDeployer,
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(runTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newProvider(log *zap.Logger, cfg *config.Config) (provider.Provider, error) {
	return provider.New(log, &provider.Config{
		Backend:            cfg.Provider.Backend,
		APIURL:             cfg.Provider.APIURL,
		Domain:             cfg.Provider.Domain,
		APIKey:             cfg.Provider.APIKey,
		EnvdURL:            cfg.Provider.EnvdURL,
		EnvdPort:           cfg.Provider.EnvdPort,
		HTTPTimeout:        cfg.Provider.HTTPTimeout(),
		EnableLocalBackend: cfg.Provider.EnableLocalBackend,
		LocalWorkdir:       cfg.Provider.LocalWorkdir,
	})
}

func newManager(lc fx.Lifecycle, log *zap.Logger, p provider.Provider, cfg *config.Config, m *metrics.Metrics) *sandbox.Manager {
	manager := sandbox.NewManager(log, p, &sandbox.Config{
		DefaultTemplate:   cfg.Sandbox.Template,
		DefaultTimeout:    cfg.Sandbox.Timeout(),
		KeepAliveInterval: cfg.Sandbox.KeepAliveInterval(),
		KeepAliveExtend:   cfg.Sandbox.KeepAliveExtend(),
		IdleTimeout:       cfg.Sandbox.IdleTimeout(),
		SweepInterval:     cfg.Sandbox.SweepInterval(),
		DefaultCredential: provider.Credential{
			APIKey: cfg.Provider.APIKey,
			Owner:  cfg.Provider.Owner,
		},
	}, sandbox.WithMetrics(m))

	lc.Append(fx.Hook{
		OnStart: manager.Start,
		OnStop:  manager.Stop,
	})
	return manager
}

func newCoordinator(log *zap.Logger, manager *sandbox.Manager, cfg *config.Config, m *metrics.Metrics) *stream.Coordinator {
	return stream.NewCoordinator(log, manager, &stream.Config{
		DefaultTimeout: cfg.Execution.Timeout(),
		ShellRewrite:   cfg.Execution.ShellRewrite,
	}, stream.WithMetrics(m))
}

func newHub(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, m *metrics.Metrics) *hub.Hub {
	h := hub.New(log, &hub.Config{
		QueueSize:      cfg.Hub.QueueSize,
		WriteTimeout:   cfg.Hub.WriteTimeout(),
		PingInterval:   cfg.Hub.PingInterval(),
		AllowedOrigins: cfg.Hub.AllowedOrigins,
	}, hub.WithMetrics(m))

	lc.Append(fx.StopHook(h.Close))
	return h
}

// newCatalog loads the deployable server catalog; without a path there is none.
func newCatalog(cfg *config.Config) (*deploy.Catalog, error) {
	if cfg.Deploy.CatalogPath == "" {
		return nil, nil
	}
	return deploy.LoadCatalog(cfg.Deploy.CatalogPath)
}

func newDeployer(log *zap.Logger, manager *sandbox.Manager, cfg *config.Config, m *metrics.Metrics) *deploy.Deployer {
	return deploy.NewDeployer(log, manager, &deploy.Config{
		Template:             cfg.Deploy.Template,
		Port:                 cfg.Deploy.Port,
		HealthPath:           cfg.Deploy.HealthPath,
		EndpointPath:         cfg.Deploy.EndpointPath,
		DefaultTimeout:       cfg.Deploy.DefaultTimeout(),
		PollInterval:         cfg.Deploy.PollInterval(),
		MaxAttempts:          cfg.Deploy.MaxAttempts,
		InstallTimeout:       cfg.Deploy.InstallTimeout(),
		BridgeInstallCommand: cfg.Deploy.BridgeInstallCommand,
		BridgeCommand:        cfg.Deploy.BridgeCommand,
		KeepAlive:            cfg.Deploy.KeepAlive,
		KeepAliveInterval:    cfg.Deploy.KeepAliveInterval(),
	}, deploy.WithMetrics(m))
}

// runTransport serves MCP for the lifetime of the app. When the transport
// ends on its own (stdin closed, listener failed) the app shuts down.
func runTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) error {
	var serve func(ctx context.Context) error
	switch cfg.Server.Transport {
	case "stdio":
		serve = server.ServeStdio
	case "http":
		serve = func(context.Context) error { return server.ListenAndServe() }
	default:
		return errors.New("unsupported transport: " + cfg.Server.Transport)
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				exitCode := 0
				if err := serve(ctx); err != nil {
					log.Error("transport stopped", zap.String("transport", cfg.Server.Transport), zap.Error(err))
					exitCode = 1
				}
				if ctx.Err() == nil {
					_ = shutdowner.Shutdown(fx.ExitCode(exitCode))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			return server.Shutdown(stopCtx)
		},
	})
	return nil
}
