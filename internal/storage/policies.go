package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// GetPolicy returns the persisted policy row for a tenant.
// Returns ErrNotFound if no row exists; callers decide the defaulting behavior.
func (s *Store) GetPolicy(tenantID string) (PolicyRow, error) {
	var p PolicyRow
	var enabled int
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT tenant_id, enabled, model, system_prompt, keywords, reply_delay_ms, max_tokens, temperature, api_key, updated_at
		FROM policies WHERE tenant_id = ?`, tenantID,
	).Scan(&p.TenantID, &enabled, &p.Model, &p.SystemPrompt, &p.KeywordsJSON,
		&p.ReplyDelayMs, &p.MaxTokens, &p.Temperature, &p.APIKey, &updatedAt)
	if err == sql.ErrNoRows {
		return PolicyRow{}, ErrNotFound
	}
	if err != nil {
		return PolicyRow{}, err
	}
	p.Enabled = enabled != 0
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return PolicyRow{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	p.UpdatedAt = t
	return p, nil
}

// UpsertPolicy writes the full policy row for a tenant, creating it if absent.
func (s *Store) UpsertPolicy(p PolicyRow) error {
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO policies (tenant_id, enabled, model, system_prompt, keywords, reply_delay_ms, max_tokens, temperature, api_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			enabled = excluded.enabled,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			keywords = excluded.keywords,
			reply_delay_ms = excluded.reply_delay_ms,
			max_tokens = excluded.max_tokens,
			temperature = excluded.temperature,
			api_key = excluded.api_key,
			updated_at = excluded.updated_at`,
		p.TenantID, enabled, p.Model, p.SystemPrompt, p.KeywordsJSON,
		p.ReplyDelayMs, p.MaxTokens, p.Temperature, p.APIKey,
		updatedAt.UTC().Format(time.RFC3339),
	)
	return err
}
