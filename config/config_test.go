package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Provider: ProviderConfig{
			Backend: "remote",
		},
		Sandbox: SandboxConfig{
			TimeoutSec:           300,
			KeepAliveIntervalSec: 60,
			KeepAliveExtendSec:   300,
		},
		Execution: ExecutionConfig{
			TimeoutSec: 60,
		},
		Hub: HubConfig{
			Path:      "/ws",
			QueueSize: 16,
		},
		Deploy: DeployConfig{
			Port:              8000,
			HealthPath:        "/healthz",
			EndpointPath:      "/mcp",
			DefaultTimeoutSec: 1800,
			PollIntervalSec:   2,
			MaxAttempts:       30,
		},
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "invalid"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server.transport")
	})

	t.Run("InvalidHTTPPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.HTTPPort = 70000

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.http_port")
	})

	t.Run("StdioIgnoresHTTPPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "stdio"
		cfg.Server.HTTPPort = 0

		require.NoError(t, cfg.validate())
	})

	t.Run("InvalidLoggingMode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Mode = "verbose"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.mode")
	})

	t.Run("LocalBackendDisabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Provider.Backend = "local"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported provider.backend")
	})

	t.Run("LocalBackendEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Provider.Backend = "local"
		cfg.Provider.EnableLocalBackend = true

		require.NoError(t, cfg.validate())
	})

	t.Run("NonPositiveValues", func(t *testing.T) {
		mutations := map[string]func(*Config){
			"sandbox.timeout_sec":        func(c *Config) { c.Sandbox.TimeoutSec = 0 },
			"execution.timeout_sec":      func(c *Config) { c.Execution.TimeoutSec = -1 },
			"hub.queue_size":             func(c *Config) { c.Hub.QueueSize = 0 },
			"deploy.max_attempts":        func(c *Config) { c.Deploy.MaxAttempts = 0 },
			"deploy.default_timeout_sec": func(c *Config) { c.Deploy.DefaultTimeoutSec = 0 },
		}
		for key, mutate := range mutations {
			t.Run(key, func(t *testing.T) {
				cfg := validConfig()
				mutate(cfg)

				err := cfg.validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), key)
			})
		}
	})

	t.Run("IdleSweepDisabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.IdleTimeoutSec = 0
		cfg.Sandbox.SweepIntervalSec = 0

		require.NoError(t, cfg.validate())
	})

	t.Run("RelativePaths", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hub.Path = "ws"
		require.Error(t, cfg.validate())

		cfg = validConfig()
		cfg.Deploy.HealthPath = "healthz"
		require.Error(t, cfg.validate())
	})
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "production", cfg.Logging.Mode)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, "remote", cfg.Provider.Backend)
	assert.Equal(t, "e2b.app", cfg.Provider.Domain)
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.Timeout())
	assert.Equal(t, time.Minute, cfg.Sandbox.KeepAliveInterval())
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.KeepAliveExtend())
	assert.Equal(t, time.Minute, cfg.Execution.Timeout())
	assert.True(t, cfg.Execution.ShellRewrite)
	assert.Equal(t, "/ws", cfg.Hub.Path)
	assert.Equal(t, 30*time.Minute, cfg.Deploy.DefaultTimeout())
	assert.Equal(t, 2*time.Second, cfg.Deploy.PollInterval())
	assert.Equal(t, "supergateway", cfg.Deploy.BridgeCommand)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  transport: http
  http_port: 9090
logging:
  mode: development
  level: debug
sandbox:
  template: base
  idle_timeout_sec: 0
hub:
  allowed_origins:
    - "*.example.com"
deploy:
  max_attempts: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, "development", cfg.Logging.Mode)
	assert.Equal(t, "base", cfg.Sandbox.Template)
	assert.Zero(t, cfg.Sandbox.IdleTimeout())
	assert.Equal(t, []string{"*.example.com"}, cfg.Hub.AllowedOrigins)
	assert.Equal(t, 5, cfg.Deploy.MaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, 60, cfg.Execution.TimeoutSec)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  transport: stdio\n")

	t.Setenv("SANDBOXD_SERVER_TRANSPORT", "http")
	t.Setenv("SANDBOXD_SANDBOX_TIMEOUT_SEC", "120")
	t.Setenv("E2B_API_KEY", "e2b_test_key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 2*time.Minute, cfg.Sandbox.Timeout())
	assert.Equal(t, "e2b_test_key", cfg.Provider.APIKey)
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})

	t.Run("InvalidValues", func(t *testing.T) {
		path := writeConfig(t, "server:\n  transport: grpc\n")

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation error")
	})
}
