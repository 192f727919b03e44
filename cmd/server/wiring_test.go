package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxd/config"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNewAppResolvesGraph(t *testing.T) {
	cfg := testConfig(t, `
server:
  transport: http
  http_port: 18080
  shutdown_timeout_sec: 5
provider:
  backend: local
  enable_local_backend: true
sandbox:
  idle_timeout_sec: 0
`)
	app := newApp(cfg)
	require.NoError(t, app.Err())
}

func TestNewAppStartStop(t *testing.T) {
	cfg := testConfig(t, `
server:
  transport: http
  http_port: 18081
provider:
  backend: local
  enable_local_backend: true
`)
	cfg.Provider.LocalWorkdir = t.TempDir()

	app := newApp(cfg)
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	assert.NoError(t, app.Stop(ctx))
}

func TestNewAppCatalogMissing(t *testing.T) {
	cfg := testConfig(t, `
server:
  transport: http
  http_port: 18082
deploy:
  catalog_path: /nonexistent/catalog.yaml
`)

	app := newApp(cfg)
	assert.Error(t, app.Err())
}

func TestNewAppUnsupportedTransport(t *testing.T) {
	cfg := testConfig(t, "server:\n  transport: http\n  http_port: 18083\n")
	cfg.Server.Transport = "grpc"

	app := newApp(cfg)
	assert.Error(t, app.Err())
}
