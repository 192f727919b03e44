package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/provider"
	"github.com/isdmx/sandboxd/provider/providertest"
)

func TestResolveRegistryHit(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	created, id, err := m.CreateSandbox(ctx, provider.Credential{}, PurposeCodeExec)
	require.NoError(t, err)

	handle, err := m.Resolve(ctx, id, provider.Credential{})
	require.NoError(t, err)
	assert.Same(t, created, handle)
	assert.Zero(t, fake.Calls(providertest.CallConnect))
}

func TestResolveReattaches(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	t.Run("PurposeFromMetadata", func(t *testing.T) {
		fake.AddRemote("sbx-remote", "base", map[string]string{MetadataPurpose: PurposeMCPServer, MetadataOwner: "bob"})

		handle, err := m.Resolve(ctx, "sbx-remote", provider.Credential{})
		require.NoError(t, err)
		assert.Equal(t, "sbx-remote", handle.ID())

		record, ok := m.GetSandbox("sbx-remote")
		require.True(t, ok)
		assert.Equal(t, StatusRunning, record.Status)
		assert.Equal(t, PurposeMCPServer, record.Purpose)
		assert.Equal(t, "bob", record.Owner)
	})

	t.Run("DefaultPurpose", func(t *testing.T) {
		fake.AddRemote("sbx-bare", "base", nil)

		_, err := m.Resolve(ctx, "sbx-bare", provider.Credential{Owner: "carol"})
		require.NoError(t, err)

		record, ok := m.GetSandbox("sbx-bare")
		require.True(t, ok)
		assert.Equal(t, PurposeReconciled, record.Purpose)
		assert.Equal(t, "carol", record.Owner)
	})
}

func TestResolveUnavailable(t *testing.T) {
	m, fake := newTestManager(t)

	_, err := m.Resolve(context.Background(), "sbx-gone", provider.Credential{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, 1, fake.Calls(providertest.CallConnect))

	_, ok := m.GetSandbox("sbx-gone")
	assert.False(t, ok)

	fake.ConnectErr = errors.New("forbidden")
	_, err = m.Resolve(context.Background(), "sbx-other", provider.Credential{})
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestResolveConcurrentRegistersOnce(t *testing.T) {
	fake := providertest.New()
	m := NewManager(zaptest.NewLogger(t), fake, &Config{})
	fake.AddRemote("sbx-shared", "base", nil)

	const workers = 16
	handles := make([]provider.Sandbox, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Resolve(context.Background(), "sbx-shared", provider.Credential{})
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, m.GetStats().Total)
	for _, h := range handles {
		assert.Equal(t, "sbx-shared", h.ID())
	}
}

func TestAdoptKeepsExistingRecord(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	_, id, err := m.CreateSandbox(ctx, provider.Credential{}, PurposeCodeExec)
	require.NoError(t, err)

	record, added := m.Adopt(fake.Sandbox(id), PurposeReconciled, "")
	assert.False(t, added)
	assert.Equal(t, PurposeCodeExec, record.Purpose)
}
