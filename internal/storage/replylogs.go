package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// SaveReplyLog appends one auto-reply attempt. Rows are never updated.
func (s *Store) SaveReplyLog(r ReplyLogRow) error {
	success := 0
	if r.Success {
		success = 1
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO reply_logs (id, tenant_id, contact_id, original_message, response, success, error_kind, error_message, response_time_ms, tokens_used, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.ContactID, r.OriginalMessage, r.Response, success,
		r.ErrorKind, r.ErrorMessage, r.ResponseTimeMs, r.TokensUsed, r.Model,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentReplyLogs returns the newest reply-log rows for a tenant, newest first.
func (s *Store) RecentReplyLogs(tenantID string, limit int) ([]ReplyLogRow, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, contact_id, original_message, response, success, error_kind, error_message, response_time_ms, tokens_used, model, created_at
		FROM reply_logs WHERE tenant_id = ?
		ORDER BY created_at DESC LIMIT ?`, tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReplyLogRow
	for rows.Next() {
		var r ReplyLogRow
		var success int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ContactID, &r.OriginalMessage, &r.Response,
			&success, &r.ErrorKind, &r.ErrorMessage, &r.ResponseTimeMs, &r.TokensUsed, &r.Model, &createdAt); err != nil {
			return nil, err
		}
		r.Success = success != 0
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

// ReplyStatsSince aggregates reply-log rows for a tenant created at or after
// since. Averages and token totals cover successful replies only.
func (s *Store) ReplyStatsSince(tenantID string, since time.Time) (ReplyStats, error) {
	cutoff := since.UTC().Format(time.RFC3339)

	var stats ReplyStats
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(success), 0)
		FROM reply_logs WHERE tenant_id = ? AND created_at >= ?`,
		tenantID, cutoff,
	).Scan(&stats.TotalReplies, &stats.SuccessfulReplies)
	if err != nil {
		return ReplyStats{}, fmt.Errorf("counting replies: %w", err)
	}

	var avgLatency sql.NullFloat64
	var totalTokens sql.NullInt64
	err = s.db.QueryRow(`
		SELECT AVG(response_time_ms), SUM(tokens_used)
		FROM reply_logs WHERE tenant_id = ? AND success = 1 AND created_at >= ?`,
		tenantID, cutoff,
	).Scan(&avgLatency, &totalTokens)
	if err != nil {
		return ReplyStats{}, fmt.Errorf("aggregating successful replies: %w", err)
	}

	if stats.TotalReplies > 0 {
		rate := float64(stats.SuccessfulReplies) / float64(stats.TotalReplies) * 100
		stats.SuccessRate = math.Round(rate*100) / 100
	}
	if avgLatency.Valid {
		stats.AvgResponseTimeMs = int64(math.Round(avgLatency.Float64))
	}
	if totalTokens.Valid {
		stats.TotalTokensUsed = totalTokens.Int64
	}
	return stats, nil
}
