package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ardiansah/wabot/internal/storage"
)

// Repository abstracts the persistence operations the store needs.
type Repository interface {
	GetPolicy(tenantID string) (storage.PolicyRow, error)
	UpsertPolicy(row storage.PolicyRow) error
}

// Store is a read-through accessor over persisted policies. The persistence
// store is authoritative; the cache only shortcuts reads. Updates to the same
// tenant serialize through a per-tenant mutex so concurrent partial updates
// never lose unrelated fields.
type Store struct {
	repo   Repository
	cache  Cache
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store. Pass nil for cache to use an in-process map.
func NewStore(repo Repository, cache Cache) *Store {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Store{
		repo:   repo,
		cache:  cache,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Get returns the effective policy for a tenant. A tenant with no persisted
// row gets the disabled default policy; Get never fails on absence.
func (s *Store) Get(ctx context.Context, tenantID string) (Policy, error) {
	if cached, err := s.cache.Get(ctx, tenantID); err != nil {
		s.logger.Warn("policy cache read failed", "tenant", tenantID, "error", err)
	} else if cached != nil {
		return *cached, nil
	}

	p, err := s.load(tenantID)
	if err != nil {
		return Policy{}, err
	}

	if err := s.cache.Set(ctx, tenantID, p); err != nil {
		s.logger.Warn("policy cache write failed", "tenant", tenantID, "error", err)
	}
	return p, nil
}

// Update applies a partial field update to a tenant's policy, persists the
// result, and returns the effective policy. Unknown fields are ignored and
// out-of-range numeric fields are clamped.
func (s *Store) Update(ctx context.Context, tenantID string, fields map[string]any) (Policy, error) {
	lock := s.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	// Read-modify-write against the authoritative store, not the cache.
	p, err := s.load(tenantID)
	if err != nil {
		return Policy{}, err
	}

	p.Apply(fields)

	row, err := toRow(tenantID, p)
	if err != nil {
		return Policy{}, err
	}
	if err := s.repo.UpsertPolicy(row); err != nil {
		return Policy{}, fmt.Errorf("persisting policy: %w", err)
	}

	if err := s.cache.Set(ctx, tenantID, p); err != nil {
		s.logger.Warn("policy cache write failed", "tenant", tenantID, "error", err)
	}
	return p, nil
}

// Invalidate drops a tenant's cached policy.
func (s *Store) Invalidate(ctx context.Context, tenantID string) {
	if err := s.cache.Delete(ctx, tenantID); err != nil {
		s.logger.Warn("policy cache delete failed", "tenant", tenantID, "error", err)
	}
}

func (s *Store) load(tenantID string) (Policy, error) {
	row, err := s.repo.GetPolicy(tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return Default(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("loading policy: %w", err)
	}
	return fromRow(row)
}

func (s *Store) lockFor(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[tenantID] = lock
	}
	return lock
}

func fromRow(row storage.PolicyRow) (Policy, error) {
	p := Default()
	p.Enabled = row.Enabled
	if row.Model != "" {
		p.Model = row.Model
	}
	if row.SystemPrompt != "" {
		p.SystemPrompt = row.SystemPrompt
	}
	if row.KeywordsJSON != "" {
		if err := json.Unmarshal([]byte(row.KeywordsJSON), &p.Keywords); err != nil {
			return Policy{}, fmt.Errorf("parsing keywords for %s: %w", row.TenantID, err)
		}
	}
	// Stored values predating a clamp change are re-clamped on read.
	p.ReplyDelay = clampDelay(time.Duration(row.ReplyDelayMs) * time.Millisecond)
	p.MaxTokens = clampTokens(row.MaxTokens)
	p.Temperature = clampTemperature(row.Temperature)
	p.APIKey = row.APIKey
	return p, nil
}

func toRow(tenantID string, p Policy) (storage.PolicyRow, error) {
	keywords := p.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	kwJSON, err := json.Marshal(keywords)
	if err != nil {
		return storage.PolicyRow{}, fmt.Errorf("marshaling keywords: %w", err)
	}
	return storage.PolicyRow{
		TenantID:     tenantID,
		Enabled:      p.Enabled,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		KeywordsJSON: string(kwJSON),
		ReplyDelayMs: p.ReplyDelay.Milliseconds(),
		MaxTokens:    p.MaxTokens,
		Temperature:  p.Temperature,
		APIKey:       p.APIKey,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}
