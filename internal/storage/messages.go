package storage

import (
	"fmt"
	"time"
)

// SaveMessage appends one inbound message.
func (s *Store) SaveMessage(m MessageRow) error {
	fromSelf := 0
	if m.FromSelf {
		fromSelf = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, tenant_id, contact_id, body, from_self, transport_id, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.ContactID, m.Body, fromSelf, m.TransportID,
		m.ReceivedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentMessages returns the newest messages for a tenant, newest first.
func (s *Store) RecentMessages(tenantID string, limit int) ([]MessageRow, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, contact_id, body, from_self, transport_id, received_at
		FROM messages WHERE tenant_id = ?
		ORDER BY received_at DESC LIMIT ?`, tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MessageRow
	for rows.Next() {
		var m MessageRow
		var fromSelf int
		var receivedAt string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ContactID, &m.Body, &fromSelf, &m.TransportID, &receivedAt); err != nil {
			return nil, err
		}
		m.FromSelf = fromSelf != 0
		t, err := time.Parse(time.RFC3339, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing received_at: %w", err)
		}
		m.ReceivedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}
