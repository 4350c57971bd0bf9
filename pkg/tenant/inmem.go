package tenant

import (
	"context"
	"sync"
)

// MemoryDirectory is the in-process tenant directory, for tests and
// single-tenant deployments.
type MemoryDirectory struct {
	mu      sync.RWMutex
	byName  map[string]*Tenant
	byToken map[string]*Tenant
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byName:  make(map[string]*Tenant),
		byToken: make(map[string]*Tenant),
	}
}

// Add registers a tenant and the tokens that resolve to it.
func (d *MemoryDirectory) Add(t *Tenant, tokens ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName[t.Name] = t
	for _, token := range tokens {
		d.byToken[TokenHash(token)] = t
	}
}

func (d *MemoryDirectory) Authenticate(ctx context.Context, token string) (*Tenant, error) {
	d.mu.RLock()
	t, ok := d.byToken[TokenHash(token)]
	d.mu.RUnlock()
	if !ok {
		return nil, errUnknownToken()
	}
	copied := *t
	return &copied, nil
}

func (d *MemoryDirectory) Get(ctx context.Context, name string) (*Tenant, error) {
	d.mu.RLock()
	t, ok := d.byName[name]
	d.mu.RUnlock()
	if !ok {
		return nil, errUnknownTenant(name)
	}
	copied := *t
	return &copied, nil
}
