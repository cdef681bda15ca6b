package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ardiansah/wabot/internal/storage"
)

// memRepo is an in-memory Repository for tests.
type memRepo struct {
	mu   sync.Mutex
	rows map[string]storage.PolicyRow
	err  error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]storage.PolicyRow)}
}

func (r *memRepo) GetPolicy(tenantID string) (storage.PolicyRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return storage.PolicyRow{}, r.err
	}
	row, ok := r.rows[tenantID]
	if !ok {
		return storage.PolicyRow{}, storage.ErrNotFound
	}
	return row, nil
}

func (r *memRepo) UpsertPolicy(row storage.PolicyRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rows[row.TenantID] = row
	return nil
}

func TestGetMissingRowReturnsDisabledDefaults(t *testing.T) {
	s := NewStore(newMemRepo(), nil)

	p, err := s.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Enabled {
		t.Error("default policy must be disabled")
	}
	if p.Model == "" || p.SystemPrompt == "" {
		t.Errorf("default policy missing model/prompt: %+v", p)
	}
	if p.ReplyDelay != 3*time.Second || p.MaxTokens != 500 || p.Temperature != 0.7 {
		t.Errorf("unexpected defaults: %+v", p)
	}
}

func TestUpdateClampsNumericFields(t *testing.T) {
	s := NewStore(newMemRepo(), nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		fields map[string]any
		check  func(t *testing.T, p Policy)
	}{
		{
			name:   "delay below floor",
			fields: map[string]any{"reply_delay_ms": 500},
			check: func(t *testing.T, p Policy) {
				if p.ReplyDelay != time.Second {
					t.Errorf("ReplyDelay = %v, want 1s", p.ReplyDelay)
				}
			},
		},
		{
			name:   "tokens above ceiling",
			fields: map[string]any{"max_tokens": 5000},
			check: func(t *testing.T, p Policy) {
				if p.MaxTokens != 2000 {
					t.Errorf("MaxTokens = %d, want 2000", p.MaxTokens)
				}
			},
		},
		{
			name:   "tokens below floor",
			fields: map[string]any{"max_tokens": 1},
			check: func(t *testing.T, p Policy) {
				if p.MaxTokens != 50 {
					t.Errorf("MaxTokens = %d, want 50", p.MaxTokens)
				}
			},
		},
		{
			name:   "negative temperature",
			fields: map[string]any{"temperature": -1.0},
			check: func(t *testing.T, p Policy) {
				if p.Temperature != 0.0 {
					t.Errorf("Temperature = %v, want 0.0", p.Temperature)
				}
			},
		},
		{
			name:   "temperature above ceiling",
			fields: map[string]any{"temperature": 3.5},
			check: func(t *testing.T, p Policy) {
				if p.Temperature != 2.0 {
					t.Errorf("Temperature = %v, want 2.0", p.Temperature)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := s.Update(ctx, "t1", tc.fields)
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			tc.check(t, p)
		})
	}
}

func TestUpdateIgnoresUnknownFields(t *testing.T) {
	s := NewStore(newMemRepo(), nil)

	p, err := s.Update(context.Background(), "t1", map[string]any{
		"enabled":     true,
		"bogus_field": "whatever",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !p.Enabled {
		t.Error("enabled not applied")
	}
}

func TestUpdatePersistsAndSurvivesCacheMiss(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, nil)
	ctx := context.Background()

	if _, err := s.Update(ctx, "t1", map[string]any{"enabled": true, "keywords": []string{"price", "cost"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// A fresh store over the same repo must see the persisted state.
	s2 := NewStore(repo, nil)
	p, err := s2.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !p.Enabled || len(p.Keywords) != 2 {
		t.Errorf("persisted policy mismatch: %+v", p)
	}
}

// TestConcurrentUpdatesKeepUnrelatedFields runs two concurrent partial updates
// against the same tenant and verifies neither field is lost.
func TestConcurrentUpdatesKeepUnrelatedFields(t *testing.T) {
	s := NewStore(newMemRepo(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "t1", map[string]any{"enabled": true}); err != nil {
				t.Errorf("Update(enabled): %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "t1", map[string]any{"system_prompt": "be brief"}); err != nil {
				t.Errorf("Update(system_prompt): %v", err)
			}
		}()
	}
	wg.Wait()

	p, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !p.Enabled || p.SystemPrompt != "be brief" {
		t.Errorf("lost a concurrently-set field: %+v", p)
	}
}

func TestGetUsesCacheOnRepoFailure(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, nil)
	ctx := context.Background()

	if _, err := s.Update(ctx, "t1", map[string]any{"enabled": true}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// With the row cached, a repo outage must not break reads.
	repo.err = errors.New("db down")
	p, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get with cached policy: %v", err)
	}
	if !p.Enabled {
		t.Errorf("cached policy mismatch: %+v", p)
	}
}

func TestMatchesKeywords(t *testing.T) {
	tests := []struct {
		name     string
		keywords []string
		body     string
		want     bool
	}{
		{"empty list matches all", nil, "hello there", true},
		{"case-insensitive match", []string{"price", "cost"}, "what is the Price?", true},
		{"no match", []string{"price", "cost"}, "hello there", false},
		{"keyword trimmed", []string{"  price  "}, "best PRICE today", true},
		{"blank entries ignored", []string{"   ", ""}, "anything", true},
		{"blank entry beside real one", []string{"", "cost"}, "the cost is high", true},
		{"blank entry does not match all", []string{"", "cost"}, "hello", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Policy{Keywords: tc.keywords}
			if got := p.MatchesKeywords(tc.body); got != tc.want {
				t.Errorf("MatchesKeywords(%q) = %v, want %v", tc.body, got, tc.want)
			}
		})
	}
}

func TestStoredOutOfRangeValuesReclampedOnRead(t *testing.T) {
	repo := newMemRepo()
	repo.rows["t1"] = storage.PolicyRow{
		TenantID:     "t1",
		Enabled:      true,
		KeywordsJSON: "[]",
		ReplyDelayMs: 100,
		MaxTokens:    9999,
		Temperature:  5,
	}
	s := NewStore(repo, nil)

	p, err := s.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.ReplyDelay != time.Second || p.MaxTokens != 2000 || p.Temperature != 2.0 {
		t.Errorf("stored values not re-clamped: %+v", p)
	}
}
