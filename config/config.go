package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SANDBOXD_PROVIDER_API_KEY.
const EnvPrefix = "SANDBOXD"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Hub       HubConfig       `mapstructure:"hub"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport          string `mapstructure:"transport"`
	HTTPPort           int    `mapstructure:"http_port"`
	MetricsEnabled     bool   `mapstructure:"metrics_enabled"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode   string `mapstructure:"mode"`
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// ProviderConfig holds the sandbox provider configuration
type ProviderConfig struct {
	Backend            string `mapstructure:"backend"`
	APIURL             string `mapstructure:"api_url"`
	Domain             string `mapstructure:"domain"`
	APIKey             string `mapstructure:"api_key"`
	Owner              string `mapstructure:"owner"`
	EnvdURL            string `mapstructure:"envd_url"`
	EnvdPort           int    `mapstructure:"envd_port"`
	HTTPTimeoutSec     int    `mapstructure:"http_timeout_sec"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
	LocalWorkdir       string `mapstructure:"local_workdir"`
}

// SandboxConfig holds sandbox lifecycle configuration
type SandboxConfig struct {
	Template             string `mapstructure:"template"`
	TimeoutSec           int    `mapstructure:"timeout_sec"`
	KeepAliveIntervalSec int    `mapstructure:"keep_alive_interval_sec"`
	KeepAliveExtendSec   int    `mapstructure:"keep_alive_extend_sec"`
	IdleTimeoutSec       int    `mapstructure:"idle_timeout_sec"`
	SweepIntervalSec     int    `mapstructure:"sweep_interval_sec"`
}

// ExecutionConfig holds code execution configuration
type ExecutionConfig struct {
	TimeoutSec   int  `mapstructure:"timeout_sec"`
	ShellRewrite bool `mapstructure:"shell_rewrite"`
}

// HubConfig holds the output hub configuration
type HubConfig struct {
	Path            string   `mapstructure:"path"`
	QueueSize       int      `mapstructure:"queue_size"`
	WriteTimeoutSec int      `mapstructure:"write_timeout_sec"`
	PingIntervalSec int      `mapstructure:"ping_interval_sec"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

// DeployConfig holds MCP server deployment configuration
type DeployConfig struct {
	Template             string `mapstructure:"template"`
	Port                 int    `mapstructure:"port"`
	HealthPath           string `mapstructure:"health_path"`
	EndpointPath         string `mapstructure:"endpoint_path"`
	DefaultTimeoutSec    int    `mapstructure:"default_timeout_sec"`
	PollIntervalSec      int    `mapstructure:"poll_interval_sec"`
	MaxAttempts          int    `mapstructure:"max_attempts"`
	InstallTimeoutSec    int    `mapstructure:"install_timeout_sec"`
	BridgeInstallCommand string `mapstructure:"bridge_install_command"`
	BridgeCommand        string `mapstructure:"bridge_command"`
	KeepAlive            bool   `mapstructure:"keep_alive"`
	KeepAliveIntervalSec int    `mapstructure:"keep_alive_interval_sec"`
	CatalogPath          string `mapstructure:"catalog_path"`
}

// New loads the configuration from config.yaml in . or ./config, if present
func New() (*Config, error) {
	return Load("")
}

// Load loads and validates the configuration. An empty path searches the
// default locations; a missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The provider SDKs conventionally read the key from E2B_API_KEY.
	if err := v.BindEnv("provider.api_key", EnvPrefix+"_PROVIDER_API_KEY", "E2B_API_KEY"); err != nil {
		return nil, fmt.Errorf("error binding environment: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.shutdown_timeout_sec", 15)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("provider.backend", "remote")
	v.SetDefault("provider.api_url", "")
	v.SetDefault("provider.domain", "e2b.app")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.owner", "")
	v.SetDefault("provider.envd_url", "")
	v.SetDefault("provider.envd_port", 49983)
	v.SetDefault("provider.http_timeout_sec", 60)
	v.SetDefault("provider.enable_local_backend", false)
	v.SetDefault("provider.local_workdir", "")

	v.SetDefault("sandbox.template", "code-interpreter-v1")
	v.SetDefault("sandbox.timeout_sec", 300)
	v.SetDefault("sandbox.keep_alive_interval_sec", 60)
	v.SetDefault("sandbox.keep_alive_extend_sec", 300)
	v.SetDefault("sandbox.idle_timeout_sec", 600)
	v.SetDefault("sandbox.sweep_interval_sec", 60)

	v.SetDefault("execution.timeout_sec", 60)
	v.SetDefault("execution.shell_rewrite", true)

	v.SetDefault("hub.path", "/ws")
	v.SetDefault("hub.queue_size", 256)
	v.SetDefault("hub.write_timeout_sec", 10)
	v.SetDefault("hub.ping_interval_sec", 30)
	v.SetDefault("hub.allowed_origins", []string{})

	v.SetDefault("deploy.template", "base")
	v.SetDefault("deploy.port", 8000)
	v.SetDefault("deploy.health_path", "/healthz")
	v.SetDefault("deploy.endpoint_path", "/mcp")
	v.SetDefault("deploy.default_timeout_sec", 1800)
	v.SetDefault("deploy.poll_interval_sec", 2)
	v.SetDefault("deploy.max_attempts", 30)
	v.SetDefault("deploy.install_timeout_sec", 300)
	v.SetDefault("deploy.bridge_install_command", "npm install -g supergateway")
	v.SetDefault("deploy.bridge_command", "supergateway")
	v.SetDefault("deploy.keep_alive", false)
	v.SetDefault("deploy.keep_alive_interval_sec", 60)
	v.SetDefault("deploy.catalog_path", "")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	supportedBackends := map[string]bool{
		"remote": true,
		"local":  c.Provider.EnableLocalBackend, // local only enabled if specifically allowed
	}
	if !supportedBackends[c.Provider.Backend] {
		return fmt.Errorf("unsupported provider.backend: %s", c.Provider.Backend)
	}

	positive := map[string]int{
		"sandbox.timeout_sec":             c.Sandbox.TimeoutSec,
		"sandbox.keep_alive_interval_sec": c.Sandbox.KeepAliveIntervalSec,
		"sandbox.keep_alive_extend_sec":   c.Sandbox.KeepAliveExtendSec,
		"execution.timeout_sec":           c.Execution.TimeoutSec,
		"hub.queue_size":                  c.Hub.QueueSize,
		"deploy.port":                     c.Deploy.Port,
		"deploy.default_timeout_sec":      c.Deploy.DefaultTimeoutSec,
		"deploy.poll_interval_sec":        c.Deploy.PollIntervalSec,
		"deploy.max_attempts":             c.Deploy.MaxAttempts,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got: %d", key, value)
		}
	}

	if c.Sandbox.IdleTimeoutSec < 0 || c.Sandbox.SweepIntervalSec < 0 {
		return fmt.Errorf("sandbox.idle_timeout_sec and sandbox.sweep_interval_sec must not be negative")
	}

	if !strings.HasPrefix(c.Hub.Path, "/") {
		return fmt.Errorf("hub.path must start with '/', got: %q", c.Hub.Path)
	}

	if !strings.HasPrefix(c.Deploy.HealthPath, "/") || !strings.HasPrefix(c.Deploy.EndpointPath, "/") {
		return fmt.Errorf("deploy.health_path and deploy.endpoint_path must start with '/'")
	}

	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ShutdownTimeout returns the graceful shutdown timeout as a duration
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return seconds(c.ShutdownTimeoutSec)
}

// HTTPTimeout returns the provider request timeout as a duration
func (c *ProviderConfig) HTTPTimeout() time.Duration {
	return seconds(c.HTTPTimeoutSec)
}

// Timeout returns the default sandbox timeout as a duration
func (c *SandboxConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSec)
}

// KeepAliveInterval returns the keep-alive tick interval as a duration
func (c *SandboxConfig) KeepAliveInterval() time.Duration {
	return seconds(c.KeepAliveIntervalSec)
}

// KeepAliveExtend returns how far each keep-alive tick extends the remote timeout
func (c *SandboxConfig) KeepAliveExtend() time.Duration {
	return seconds(c.KeepAliveExtendSec)
}

// IdleTimeout returns the idle eviction threshold as a duration
func (c *SandboxConfig) IdleTimeout() time.Duration {
	return seconds(c.IdleTimeoutSec)
}

// SweepInterval returns the idle sweep interval as a duration
func (c *SandboxConfig) SweepInterval() time.Duration {
	return seconds(c.SweepIntervalSec)
}

// Timeout returns the default run timeout as a duration
func (c *ExecutionConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSec)
}

// WriteTimeout returns the per-message write timeout as a duration
func (c *HubConfig) WriteTimeout() time.Duration {
	return seconds(c.WriteTimeoutSec)
}

// PingInterval returns the client ping interval as a duration
func (c *HubConfig) PingInterval() time.Duration {
	return seconds(c.PingIntervalSec)
}

// DefaultTimeout returns the deployed sandbox timeout as a duration
func (c *DeployConfig) DefaultTimeout() time.Duration {
	return seconds(c.DefaultTimeoutSec)
}

// PollInterval returns the readiness poll interval as a duration
func (c *DeployConfig) PollInterval() time.Duration {
	return seconds(c.PollIntervalSec)
}

// InstallTimeout returns the bound on each install step as a duration
func (c *DeployConfig) InstallTimeout() time.Duration {
	return seconds(c.InstallTimeoutSec)
}

// KeepAliveInterval returns the keep-alive interval for deployed servers as a duration
func (c *DeployConfig) KeepAliveInterval() time.Duration {
	return seconds(c.KeepAliveIntervalSec)
}
