package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/sandbox"
)

// Defaults
const (
	DefaultPort                 = 8000
	DefaultHealthPath           = "/healthz"
	DefaultEndpointPath         = "/mcp"
	DefaultTimeout              = 30 * time.Minute
	DefaultPollInterval         = 2 * time.Second
	DefaultMaxAttempts          = 30
	DefaultInstallTimeout       = 5 * time.Minute
	DefaultBridgeInstallCommand = "npm install -g supergateway"
	DefaultBridgeCommand        = "supergateway"
)

// Bridge environment variables set on the launched server
const (
	EnvPort      = "PORT"
	EnvTransport = "MCP_TRANSPORT"

	transportStreamableHTTP = "streamableHttp"
)

// Config holds configuration for the Deployer
type Config struct {
	Template             string
	Port                 int
	HealthPath           string
	EndpointPath         string
	DefaultTimeout       time.Duration
	PollInterval         time.Duration
	MaxAttempts          int
	InstallTimeout       time.Duration
	BridgeInstallCommand string
	BridgeCommand        string
	KeepAlive            bool
	KeepAliveInterval    time.Duration
}

func (c *Config) setDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.EndpointPath == "" {
		c.EndpointPath = DefaultEndpointPath
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = DefaultInstallTimeout
	}
	if c.BridgeInstallCommand == "" {
		c.BridgeInstallCommand = DefaultBridgeInstallCommand
	}
	if c.BridgeCommand == "" {
		c.BridgeCommand = DefaultBridgeCommand
	}
}

// SandboxManager is the part of *sandbox.Manager the Deployer uses.
type SandboxManager interface {
	CreateSandbox(ctx context.Context, cred provider.Credential, purpose string, opts ...sandbox.CreateOption) (provider.Sandbox, string, error)
	Resolve(ctx context.Context, id string, cred provider.Credential) (provider.Sandbox, error)
	IsSandboxRunning(ctx context.Context, id string) bool
	GetSandbox(id string) (sandbox.Record, bool)
	UpdateLastUsed(id string)
	SetupKeepAlive(id string, interval time.Duration)
	ReleaseSandbox(ctx context.Context, id string)
	OnRelease(fn func(id string))
}

// Result describes a ready deployment. The sandbox stays registered with
// the manager, which owns its lifecycle from here on.
type Result struct {
	SandboxID string           `json:"sandboxId"`
	ServerURL string           `json:"serverUrl"`
	Handle    provider.Sandbox `json:"-"`
}

// Deployer deploys MCP servers into sandboxes.
type Deployer struct {
	logger     *zap.Logger
	manager    SandboxManager
	config     *Config
	httpClient *http.Client
	metrics    *metrics.Metrics

	mu   sync.Mutex
	urls map[string]string // sandbox ID -> proxy base URL
}

// Option defines a functional option for Deployer
type Option func(*Deployer)

// WithHTTPClient sets the client used for readiness checks
func WithHTTPClient(client *http.Client) Option {
	return func(d *Deployer) {
		d.httpClient = client
	}
}

// WithMetrics sets the collectors the Deployer reports to
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deployer) {
		d.metrics = m
	}
}

// NewDeployer creates a Deployer
func NewDeployer(logger *zap.Logger, manager SandboxManager, cfg *Config, opts ...Option) *Deployer {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()

	d := &Deployer{
		logger:     logger,
		manager:    manager,
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		urls:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	manager.OnRelease(d.forget)
	return d
}

// forget drops the cached endpoint of a sandbox the manager no longer tracks.
func (d *Deployer) forget(id string) {
	d.mu.Lock()
	delete(d.urls, id)
	d.mu.Unlock()
}

// DeployServer starts the server described by desc in a new sandbox and
// waits until it answers. Any failure after the sandbox was created
// releases it before returning.
func (d *Deployer) DeployServer(ctx context.Context, cred provider.Credential, desc Descriptor, env map[string]string) (*Result, error) {
	if err := desc.Validate(env); err != nil {
		return nil, err
	}

	started := time.Now()
	timeout := desc.DefaultTimeout
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}
	template := desc.Template
	if template == "" {
		template = d.config.Template
	}

	handle, id, err := d.manager.CreateSandbox(ctx, cred, sandbox.PurposeMCPServer,
		sandbox.WithTimeout(timeout),
		sandbox.WithTemplate(template),
		sandbox.WithEnv(env))
	if err != nil {
		d.metrics.DeploymentFinished(false, time.Since(started))
		return nil, err
	}

	logger := d.logger.With(zap.String("sandbox_id", id), zap.String("server", desc.Title))
	result, err := d.start(ctx, logger, handle, desc, env)
	if err != nil {
		// The caller's context may already be done; teardown must still reach the provider.
		d.manager.ReleaseSandbox(context.WithoutCancel(ctx), id)
		d.metrics.DeploymentFinished(false, time.Since(started))
		logger.Error("deployment failed", zap.Error(err))
		return nil, err
	}

	if d.config.KeepAlive {
		d.manager.SetupKeepAlive(id, d.config.KeepAliveInterval)
	}
	d.metrics.DeploymentFinished(true, time.Since(started))
	logger.Info("MCP server deployed",
		zap.String("server_url", result.ServerURL),
		zap.Duration("elapsed", time.Since(started)))
	return result, nil
}

func (d *Deployer) start(ctx context.Context, logger *zap.Logger, handle provider.Sandbox, desc Descriptor, env map[string]string) (*Result, error) {
	proxyURL, err := handle.StartProxy(ctx, d.config.Port, "0.0.0.0", "https")
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy: %w", err)
	}
	proxyURL = strings.TrimRight(proxyURL, "/")
	logger.Info("proxy opened", zap.String("url", proxyURL), zap.Int("port", d.config.Port))

	if err := d.runToCompletion(ctx, logger, handle, "bridge install", d.config.BridgeInstallCommand, env); err != nil {
		return nil, err
	}
	if desc.InstallCommand != "" {
		if err := d.runToCompletion(ctx, logger, handle, "server install", desc.InstallCommand, env); err != nil {
			return nil, err
		}
	}

	cmd, err := d.launchCommand(desc.StartCommand)
	if err != nil {
		return nil, err
	}
	proc, err := handle.StartProcess(ctx, provider.ProcessSpec{Cmd: cmd, Env: d.serverEnv(env)})
	if err != nil {
		return nil, fmt.Errorf("failed to launch server: %w", err)
	}
	go forwardLogs(logger, proc)

	if err := d.waitReady(ctx, logger, proxyURL+d.config.HealthPath); err != nil {
		proc.Close()
		return nil, err
	}

	d.mu.Lock()
	d.urls[handle.ID()] = proxyURL
	d.mu.Unlock()

	return &Result{
		SandboxID: handle.ID(),
		ServerURL: proxyURL + d.config.EndpointPath,
		Handle:    handle,
	}, nil
}

// launchCommand wraps the server's stdio command in the bridge.
func (d *Deployer) launchCommand(startCommand string) (string, error) {
	bridge, err := shellquote.Split(d.config.BridgeCommand)
	if err != nil || len(bridge) == 0 {
		return "", fmt.Errorf("invalid bridge command %q: %v", d.config.BridgeCommand, err)
	}
	args := append(bridge,
		"--stdio", startCommand,
		"--port", strconv.Itoa(d.config.Port),
		"--outputTransport", transportStreamableHTTP,
		"--healthEndpoint", d.config.HealthPath,
	)
	return shellquote.Join(args...), nil
}

// serverEnv merges the caller's variables with the bridge variables, which win.
func (d *Deployer) serverEnv(env map[string]string) map[string]string {
	merged := make(map[string]string, len(env)+2)
	for k, v := range env {
		merged[k] = v
	}
	merged[EnvPort] = strconv.Itoa(d.config.Port)
	merged[EnvTransport] = transportStreamableHTTP
	return merged
}

// runToCompletion runs cmd and fails unless it exits with code 0.
func (d *Deployer) runToCompletion(ctx context.Context, logger *zap.Logger, handle provider.Sandbox, name, cmd string, env map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.InstallTimeout)
	defer cancel()

	logger.Info("running "+name, zap.String("command", cmd))
	proc, err := handle.StartProcess(ctx, provider.ProcessSpec{Cmd: cmd, Env: env})
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	defer proc.Close()

	var (
		exited   bool
		exitCode int
		lastErr  string
	)
	for {
		ev, err := proc.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, provider.ErrUnknownFrame) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		switch ev.Kind {
		case provider.EventStdout:
			logger.Debug(name+" output", zap.String("line", ev.Text))
		case provider.EventStderr, provider.EventError:
			lastErr = ev.Text
			logger.Debug(name+" error output", zap.String("line", ev.Text))
		case provider.EventExit:
			exited = true
			exitCode = ev.ExitCode
		}
	}

	switch {
	case !exited:
		return fmt.Errorf("%s ended without an exit code", name)
	case exitCode != 0:
		return fmt.Errorf("%s exited with code %d: %s", name, exitCode, lastErr)
	}
	return nil
}

// forwardLogs copies the server's output to the logger until the process ends.
func forwardLogs(logger *zap.Logger, proc provider.Stream) {
	defer proc.Close()
	ctx := context.Background()
	for {
		ev, err := proc.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if errors.Is(err, provider.ErrUnknownFrame) {
			continue
		}
		if err != nil {
			logger.Debug("server log stream closed", zap.Error(err))
			return
		}
		switch ev.Kind {
		case provider.EventStdout:
			logger.Info("server stdout", zap.String("line", ev.Text))
		case provider.EventStderr:
			logger.Warn("server stderr", zap.String("line", ev.Text))
		case provider.EventError:
			logger.Error("server error", zap.String("message", ev.Text))
		case provider.EventExit:
			logger.Warn("server process exited", zap.Int("exit_code", ev.ExitCode))
		}
	}
}

// waitReady polls url until it answers 200 or the attempts run out.
func (d *Deployer) waitReady(ctx context.Context, logger *zap.Logger, url string) error {
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		status, err := d.checkHealth(ctx, url)
		if err == nil && status == http.StatusOK {
			logger.Info("server ready", zap.Int("attempt", attempt))
			return nil
		}
		logger.Debug("server not ready",
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Error(err))

		if attempt == d.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for server readiness: %w", ctx.Err())
		case <-time.After(d.config.PollInterval):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrDeploymentTimeout, url, d.config.MaxAttempts)
}

func (d *Deployer) checkHealth(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
