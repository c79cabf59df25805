package provider

import (
	"sort"
	"sync"

	apperrors "github.com/johnayoung/mergemind/internal/errors"
)

// Registry maps backend ids to their adapters.
// Thread-safe for concurrent access during dispatch.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a under a.ID(), replacing any previous adapter with that id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get retrieves the adapter for a backend id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeConfiguration, "unknown backend %q; available: %v", id, r.idsLocked())
	}
	return a, nil
}

// Resolve looks up ids in order. An empty list or a repeated id is a
// configuration error, so the result has one adapter per requested id.
func (r *Registry) Resolve(ids []string) ([]Adapter, error) {
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.CodeNoBackendsConfigured, "no backends selected")
	}
	seen := make(map[string]bool, len(ids))
	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, apperrors.Newf(apperrors.CodeConfiguration, "backend %q selected more than once", id)
		}
		seen[id] = true
		a, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// IDs returns all registered backend ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
