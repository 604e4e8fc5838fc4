package index

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry caches one Store per tenant. Get-or-create for a given tenant is
// mutually exclusive: a single winner constructs the store while concurrent
// callers for the same tenant wait for and reuse its result, so two
// in-memory copies never write the same artifact pair.
//
// The registry is constructed by the composition root and injected; it is
// never a package-level global.
type Registry struct {
	cfg Config

	mu     sync.RWMutex
	stores map[string]*Store
	group  singleflight.Group
}

// NewRegistry creates a registry sharing cfg across all tenant stores.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:    cfg,
		stores: make(map[string]*Store),
	}
}

// Get returns the tenant's store, loading or creating it on first use.
func (r *Registry) Get(ctx context.Context, tenantID string) (*Store, error) {
	r.mu.RLock()
	store, ok := r.stores[tenantID]
	r.mu.RUnlock()
	if ok {
		return store, nil
	}

	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		r.mu.RLock()
		store, ok := r.stores[tenantID]
		r.mu.RUnlock()
		if ok {
			return store, nil
		}

		store, err := Load(ctx, tenantID, r.cfg)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.stores[tenantID] = store
		r.mu.Unlock()
		return store, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// Evict drops a tenant's cached store so the next Get reloads from disk.
// Used after operator-level directory removal.
func (r *Registry) Evict(tenantID string) {
	r.mu.Lock()
	delete(r.stores, tenantID)
	r.mu.Unlock()
}
