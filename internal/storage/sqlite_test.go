package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_messages_tenant_received", "idx_reply_logs_tenant_created", "idx_reply_logs_success"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := PolicyRow{
		TenantID:     "tenant-1",
		Enabled:      true,
		Model:        "mixtral-8x7b-32768",
		SystemPrompt: "You are a helpful assistant.",
		KeywordsJSON: `["price","cost"]`,
		ReplyDelayMs: 3000,
		MaxTokens:    500,
		Temperature:  0.7,
		APIKey:       "gsk_test",
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.UpsertPolicy(want); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}

	got, err := s.GetPolicy("tenant-1")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Model != want.Model || got.KeywordsJSON != want.KeywordsJSON || !got.Enabled {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if got.ReplyDelayMs != 3000 || got.MaxTokens != 500 || got.Temperature != 0.7 {
		t.Errorf("numeric fields mismatch: got %+v", got)
	}
}

func TestPolicyUpsertOverwrites(t *testing.T) {
	s := openTestStore(t)

	row := PolicyRow{TenantID: "t", Model: "a", KeywordsJSON: "[]"}
	if err := s.UpsertPolicy(row); err != nil {
		t.Fatalf("first UpsertPolicy: %v", err)
	}
	row.Model = "b"
	row.Enabled = true
	if err := s.UpsertPolicy(row); err != nil {
		t.Fatalf("second UpsertPolicy: %v", err)
	}

	got, err := s.GetPolicy("t")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Model != "b" || !got.Enabled {
		t.Errorf("upsert did not overwrite: got %+v", got)
	}
}

func TestGetPolicyNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetPolicy("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPolicy(missing) = %v, want ErrNotFound", err)
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	row := ConnectionRow{
		TenantID:        "tenant-1",
		Status:          "connected",
		LinkedAccount:   "628123456789",
		LastConnectedAt: now,
	}
	if err := s.UpsertConnection(row); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	got, err := s.GetConnection("tenant-1")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.Status != "connected" || got.LinkedAccount != "628123456789" {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if !got.LastConnectedAt.Equal(now) {
		t.Errorf("last_connected_at = %v, want %v", got.LastConnectedAt, now)
	}
}

// TestConnectionKeepsLastConnected verifies a disconnect transition does not
// erase the last successful connection time.
func TestConnectionKeepsLastConnected(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.UpsertConnection(ConnectionRow{TenantID: "t", Status: "connected", LastConnectedAt: now}); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}
	if err := s.UpsertConnection(ConnectionRow{TenantID: "t", Status: "disconnected"}); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	got, err := s.GetConnection("t")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.Status != "disconnected" {
		t.Errorf("status = %q, want disconnected", got.Status)
	}
	if !got.LastConnectedAt.Equal(now) {
		t.Errorf("last_connected_at lost on disconnect: %v", got.LastConnectedAt)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	m := MessageRow{
		ID:         "msg-1",
		TenantID:   "tenant-1",
		ContactID:  "628111@c.us",
		Body:       "hello",
		FromSelf:   false,
		ReceivedAt: now,
	}
	if err := s.SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	msgs, err := s.RecentMessages("tenant-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestReplyStatsSince(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	rows := []ReplyLogRow{
		{ID: "r1", TenantID: "t", ContactID: "c", OriginalMessage: "hi", Response: "hello", Success: true, ResponseTimeMs: 100, TokensUsed: 10, Model: "m", CreatedAt: now},
		{ID: "r2", TenantID: "t", ContactID: "c", OriginalMessage: "hi", Response: "hello", Success: true, ResponseTimeMs: 300, TokensUsed: 20, Model: "m", CreatedAt: now},
		{ID: "r3", TenantID: "t", ContactID: "c", OriginalMessage: "hi", Success: false, ErrorKind: "timeout", ErrorMessage: "deadline exceeded", CreatedAt: now},
		// Outside the window.
		{ID: "r4", TenantID: "t", ContactID: "c", OriginalMessage: "old", Success: true, ResponseTimeMs: 999, TokensUsed: 99, Model: "m", CreatedAt: now.Add(-48 * time.Hour)},
		// Different tenant.
		{ID: "r5", TenantID: "other", ContactID: "c", OriginalMessage: "hi", Success: true, ResponseTimeMs: 50, TokensUsed: 5, Model: "m", CreatedAt: now},
	}
	for _, r := range rows {
		if err := s.SaveReplyLog(r); err != nil {
			t.Fatalf("SaveReplyLog(%s): %v", r.ID, err)
		}
	}

	stats, err := s.ReplyStatsSince("t", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ReplyStatsSince: %v", err)
	}

	if stats.TotalReplies != 3 {
		t.Errorf("TotalReplies = %d, want 3", stats.TotalReplies)
	}
	if stats.SuccessfulReplies != 2 {
		t.Errorf("SuccessfulReplies = %d, want 2", stats.SuccessfulReplies)
	}
	if stats.SuccessRate != 66.67 {
		t.Errorf("SuccessRate = %v, want 66.67", stats.SuccessRate)
	}
	if stats.AvgResponseTimeMs != 200 {
		t.Errorf("AvgResponseTimeMs = %d, want 200", stats.AvgResponseTimeMs)
	}
	if stats.TotalTokensUsed != 30 {
		t.Errorf("TotalTokensUsed = %d, want 30", stats.TotalTokensUsed)
	}
}

func TestReplyStatsEmpty(t *testing.T) {
	s := openTestStore(t)

	stats, err := s.ReplyStatsSince("nobody", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReplyStatsSince: %v", err)
	}
	if stats.TotalReplies != 0 || stats.SuccessRate != 0 || stats.AvgResponseTimeMs != 0 {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}

func TestRecentReplyLogsOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"a", "b", "c"} {
		r := ReplyLogRow{
			ID: id, TenantID: "t", ContactID: "c", OriginalMessage: "m",
			Success: true, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveReplyLog(r); err != nil {
			t.Fatalf("SaveReplyLog(%s): %v", id, err)
		}
	}

	logs, err := s.RecentReplyLogs("t", 2)
	if err != nil {
		t.Fatalf("RecentReplyLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(logs))
	}
	if logs[0].ID != "c" || logs[1].ID != "b" {
		t.Errorf("logs not newest-first: %s, %s", logs[0].ID, logs[1].ID)
	}
}
