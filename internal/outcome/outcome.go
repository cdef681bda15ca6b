// Package outcome records the result of auto-reply attempts and serves
// aggregate statistics over them.
package outcome

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the immutable result of one pipeline run that reached the
// completion stage. Exactly one outcome is recorded per such run.
type Outcome struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	ContactID       string        `json:"contact_id"`
	OriginalMessage string        `json:"original_message"`
	Response        string        `json:"response"` // empty on failure
	Success         bool          `json:"success"`
	ErrorKind       string        `json:"error_kind,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Latency         time.Duration `json:"-"`
	TokensUsed      int           `json:"tokens_used"`
	Model           string        `json:"model"`
	CreatedAt       time.Time     `json:"created_at"`
}

// New starts an outcome for an inbound message; the caller fills in the
// success or failure fields before recording.
func New(tenantID, contactID, originalMessage string) Outcome {
	return Outcome{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		ContactID:       contactID,
		OriginalMessage: originalMessage,
		CreatedAt:       time.Now().UTC(),
	}
}
