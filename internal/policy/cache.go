package policy

import (
	"context"
	"sync"
	"time"
)

// Cache is a best-effort shortcut over the authoritative policy rows. A nil
// policy with nil error means a miss; cache failures degrade to store reads.
type Cache interface {
	Get(ctx context.Context, tenantID string) (*Policy, error)
	Set(ctx context.Context, tenantID string, p Policy) error
	Delete(ctx context.Context, tenantID string) error
}

// MemoryCache is the in-process default cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Policy
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Policy)}
}

func (c *MemoryCache) Get(_ context.Context, tenantID string) (*Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[tenantID]
	if !ok {
		return nil, nil
	}
	// Copy keywords so callers cannot mutate the cached slice.
	cp := p
	cp.Keywords = append([]string(nil), p.Keywords...)
	return &cp, nil
}

func (c *MemoryCache) Set(_ context.Context, tenantID string, p Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.Keywords = append([]string(nil), p.Keywords...)
	c.entries[tenantID] = p
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
	return nil
}

// used by the redis driver; kept here so both drivers share one default.
const defaultCacheTTL = 10 * time.Minute
