package sandbox

import (
	"sort"
	"sync"

	"github.com/isdmx/sandboxd/provider"
)

// Registry is the in-memory map of tracked sandboxes. Every method runs its
// whole read-modify-write sequence under the lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// insert adds e unless the id is already tracked, in which case the existing
// entry's record and handle are returned.
func (r *Registry) insert(e *entry) (Record, provider.Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[e.record.ID]; ok {
		return existing.snapshot(), existing.handle, false
	}
	r.entries[e.record.ID] = e
	return e.snapshot(), e.handle, true
}

func (r *Registry) lookup(id string) (Record, provider.Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Record{}, nil, false
	}
	return e.snapshot(), e.handle, true
}

// update applies fn to the entry if it is still tracked.
func (r *Registry) update(id string, fn func(*entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// remove untracks id and cancels its keep-alive task.
func (r *Registry) remove(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	e.stopKeepAlive()
	return e, true
}

// removeWhere untracks every entry matching pred.
func (r *Registry) removeWhere(pred func(*entry) bool) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*entry
	for id, e := range r.entries {
		if pred(e) {
			delete(r.entries, id)
			e.stopKeepAlive()
			removed = append(removed, e)
		}
	}
	return removed
}

// records returns snapshots ordered by creation time.
func (r *Registry) records() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of tracked sandboxes
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
