package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// PolicyRow is the persisted per-tenant auto-reply configuration.
type PolicyRow struct {
	TenantID     string
	Enabled      bool
	Model        string
	SystemPrompt string
	KeywordsJSON string // JSON array stored as text
	ReplyDelayMs int64
	MaxTokens    int
	Temperature  float64
	APIKey       string
	UpdatedAt    time.Time
}

// ConnectionRow mirrors the registry's view of a tenant's transport session.
type ConnectionRow struct {
	TenantID        string
	Status          string // "disconnected", "pairing", "connected", "error"
	LinkedAccount   string
	Challenge       string
	LastConnectedAt time.Time // zero if never connected
	UpdatedAt       time.Time
}

// MessageRow is one inbound message as received from the transport.
type MessageRow struct {
	ID          string
	TenantID    string
	ContactID   string
	Body        string
	FromSelf    bool
	TransportID string
	ReceivedAt  time.Time
}

// ReplyLogRow is one recorded auto-reply attempt.
type ReplyLogRow struct {
	ID              string
	TenantID        string
	ContactID       string
	OriginalMessage string
	Response        string
	Success         bool
	ErrorKind       string
	ErrorMessage    string
	ResponseTimeMs  int64
	TokensUsed      int
	Model           string
	CreatedAt       time.Time
}

// ReplyStats aggregates reply-log rows over a time window. Latency and token
// totals are computed over successful replies only.
type ReplyStats struct {
	TotalReplies      int     `json:"total_replies"`
	SuccessfulReplies int     `json:"successful_replies"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs int64   `json:"avg_response_time_ms"`
	TotalTokensUsed   int64   `json:"total_tokens_used"`
}
