package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/provider/providertest"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/stream"
)

type collected struct {
	mu   sync.Mutex
	msgs []stream.Message
}

func (c *collected) Deliver(msg stream.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collected) types() []stream.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]stream.MessageType, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Type)
	}
	return out
}

// TestIntegrationCreateRunRelease drives the core path the way the server wires it:
// configuration and logger from config, a manager over the provider, and
// the coordinator resolving sandboxes through the manager.
func TestIntegrationCreateRunRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  mode: development
  level: debug
sandbox:
  template: code-interpreter-v1
  idle_timeout_sec: 0
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	log, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)

	fake := providertest.New()
	fake.RunCode = func(string) ([]provider.Event, error) {
		return []provider.Event{
			{Kind: provider.EventStdout, Text: "hello world"},
			{Kind: provider.EventResult, Text: "None"},
			{Kind: provider.EventExit},
		}, nil
	}

	m := metrics.New(prometheus.NewRegistry())
	manager := sandbox.NewManager(log, fake, &sandbox.Config{
		DefaultTemplate: cfg.Sandbox.Template,
		DefaultTimeout:  cfg.Sandbox.Timeout(),
		IdleTimeout:     cfg.Sandbox.IdleTimeout(),
		SweepInterval:   cfg.Sandbox.SweepInterval(),
	}, sandbox.WithMetrics(m))
	require.NoError(t, manager.Start(context.Background()))

	coordinator := stream.NewCoordinator(log, manager, &stream.Config{
		DefaultTimeout: cfg.Execution.Timeout(),
		ShellRewrite:   cfg.Execution.ShellRewrite,
	}, stream.WithMetrics(m))

	ctx := context.Background()
	_, id, err := manager.CreateSandbox(ctx, provider.Credential{Owner: "integration"}, sandbox.PurposeCodeExec)
	require.NoError(t, err)

	out := &collected{}
	executionID, err := coordinator.RunAndStream(ctx, id, "print('hello world')", out, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, executionID)
	assert.Equal(t, []stream.MessageType{
		stream.TypeStatus, stream.TypeStdout, stream.TypeResult, stream.TypeStatus,
	}, out.types())

	stats := manager.GetStats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Running)

	require.NoError(t, manager.Stop(ctx))
	assert.Zero(t, manager.GetStats().Total)
	assert.True(t, fake.Sandbox(id).Killed())
}
