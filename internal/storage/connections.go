package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConnection writes the current connection status for a tenant.
// A zero LastConnectedAt is stored as NULL.
func (s *Store) UpsertConnection(c ConnectionRow) error {
	var lastConnected any
	if !c.LastConnectedAt.IsZero() {
		lastConnected = c.LastConnectedAt.UTC().Format(time.RFC3339)
	}
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO connections (tenant_id, status, linked_account, challenge, last_connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			status = excluded.status,
			linked_account = excluded.linked_account,
			challenge = excluded.challenge,
			last_connected_at = COALESCE(excluded.last_connected_at, connections.last_connected_at),
			updated_at = excluded.updated_at`,
		c.TenantID, c.Status, c.LinkedAccount, c.Challenge, lastConnected,
		updatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetConnection returns the persisted connection status for a tenant.
func (s *Store) GetConnection(tenantID string) (ConnectionRow, error) {
	var c ConnectionRow
	var lastConnected sql.NullString
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT tenant_id, status, linked_account, challenge, last_connected_at, updated_at
		FROM connections WHERE tenant_id = ?`, tenantID,
	).Scan(&c.TenantID, &c.Status, &c.LinkedAccount, &c.Challenge, &lastConnected, &updatedAt)
	if err == sql.ErrNoRows {
		return ConnectionRow{}, ErrNotFound
	}
	if err != nil {
		return ConnectionRow{}, err
	}
	if lastConnected.Valid {
		t, err := time.Parse(time.RFC3339, lastConnected.String)
		if err != nil {
			return ConnectionRow{}, fmt.Errorf("parsing last_connected_at: %w", err)
		}
		c.LastConnectedAt = t
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return ConnectionRow{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	c.UpdatedAt = t
	return c, nil
}
