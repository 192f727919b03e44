package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxd/provider/providertest"
)

func newEntry(id string, created time.Time) *entry {
	fake := providertest.New()
	return &entry{
		record: Record{ID: id, Status: StatusRunning, CreatedAt: created, LastUsedAt: created},
		handle: fake.AddRemote(id, "base", nil),
	}
}

func TestRegistryInsertKeepsExisting(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	first := newEntry("sbx-1", now)
	_, _, added := r.insert(first)
	require.True(t, added)

	second := newEntry("sbx-1", now.Add(time.Minute))
	second.record.Purpose = PurposeReconciled
	record, handle, added := r.insert(second)
	assert.False(t, added)
	assert.Equal(t, first.handle, handle)
	assert.Empty(t, record.Purpose)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemoveStopsKeepAlive(t *testing.T) {
	r := NewRegistry()
	e := newEntry("sbx-1", time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	e.keepAlive = &keepAliveTask{cancel: cancel}
	r.insert(e)

	record, _, ok := r.lookup("sbx-1")
	require.True(t, ok)
	assert.True(t, record.KeepAlive)

	_, ok = r.remove("sbx-1")
	require.True(t, ok)
	assert.Error(t, ctx.Err())

	_, ok = r.remove("sbx-1")
	assert.False(t, ok)
}

func TestRegistryRecordsOrder(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.insert(newEntry("sbx-c", base.Add(2*time.Second)))
	r.insert(newEntry("sbx-b", base))
	r.insert(newEntry("sbx-a", base))

	var ids []string
	for _, rec := range r.records() {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"sbx-a", "sbx-b", "sbx-c"}, ids)
}

func TestRegistryUpdateAndRemoveWhere(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.insert(newEntry("sbx-1", base))
	r.insert(newEntry("sbx-2", base))

	assert.True(t, r.update("sbx-1", func(e *entry) { e.record.Status = StatusStopped }))
	assert.False(t, r.update("sbx-missing", func(*entry) {}))

	removed := r.removeWhere(func(e *entry) bool { return e.record.Status == StatusStopped })
	require.Len(t, removed, 1)
	assert.Equal(t, "sbx-1", removed[0].record.ID)
	assert.Equal(t, 1, r.Len())
}
