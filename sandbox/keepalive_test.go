package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/provider/providertest"
)

func TestSetupKeepAliveExtendsTimeout(t *testing.T) {
	fake := providertest.New()
	m := NewManager(zaptest.NewLogger(t), fake, &Config{KeepAliveExtend: 7 * time.Minute})
	ctx := context.Background()
	t.Cleanup(func() { m.CleanupAllSandboxes(ctx) })

	_, id, err := m.CreateSandbox(ctx, provider.Credential{}, PurposeMCPServer)
	require.NoError(t, err)
	before, _ := m.GetSandbox(id)

	m.SetupKeepAlive(id, 10*time.Millisecond)

	record, _ := m.GetSandbox(id)
	assert.True(t, record.KeepAlive)

	assert.Eventually(t, func() bool {
		return fake.Sandbox(id).Timeout() == 7*time.Minute
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		r, _ := m.GetSandbox(id)
		return r.LastUsedAt.After(before.LastUsedAt)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSetupKeepAliveTwiceKeepsOneTask(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, id, err := m.CreateSandbox(ctx, provider.Credential{}, PurposeMCPServer)
	require.NoError(t, err)

	m.SetupKeepAlive(id, time.Hour)
	m.SetupKeepAlive(id, time.Hour)

	assert.Eventually(t, func() bool { return m.ActiveKeepAlives() == 1 }, time.Second, 5*time.Millisecond)
	record, _ := m.GetSandbox(id)
	assert.True(t, record.KeepAlive)

	m.ReleaseSandbox(ctx, id)
	assert.Eventually(t, func() bool { return m.ActiveKeepAlives() == 0 }, time.Second, 5*time.Millisecond)
}

func TestKeepAliveStopsWhenSandboxDies(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	_, id, err := m.CreateSandbox(ctx, provider.Credential{}, PurposeMCPServer)
	require.NoError(t, err)

	fake.Sandbox(id).SetRunning(false, nil)
	m.SetupKeepAlive(id, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return m.ActiveKeepAlives() == 0 }, 2*time.Second, 5*time.Millisecond)
	record, ok := m.GetSandbox(id)
	require.True(t, ok, "a dead sandbox stays tracked until released")
	assert.False(t, record.KeepAlive)
	assert.Equal(t, StatusStopped, record.Status)
	assert.Zero(t, fake.Calls(providertest.CallSetTimeout))
}

func TestKeepAliveStopsOnStatusError(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	_, id, err := m.CreateSandbox(ctx, provider.Credential{}, PurposeMCPServer)
	require.NoError(t, err)

	fake.Sandbox(id).SetRunning(true, errors.New("unreachable"))
	m.SetupKeepAlive(id, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return m.ActiveKeepAlives() == 0 }, 2*time.Second, 5*time.Millisecond)
	record, _ := m.GetSandbox(id)
	assert.Equal(t, StatusError, record.Status)
}

func TestSetupKeepAliveUnknownSandbox(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetupKeepAlive("missing", time.Millisecond)
	assert.Zero(t, m.ActiveKeepAlives())
}
