package completion

import (
	"fmt"
	"time"
)

// ErrorKind classifies a completion failure. Kinds surface verbatim in reply
// logs and statistics.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindTransport ErrorKind = "transport_error"
	KindProvider  ErrorKind = "provider_error"
	KindMalformed ErrorKind = "malformed_response"
)

// Error is a classified completion failure.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status for KindProvider, 0 otherwise
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is one completion call: the tenant's model parameters plus the
// inbound message body as the sole user turn.
type Request struct {
	Model        string
	SystemPrompt string
	UserMessage  string
	MaxTokens    int
	Temperature  float64
	APIKey       string
}

// Result is a successful completion. Latency is measured from request
// dispatch to response receipt.
type Result struct {
	Text        string
	TotalTokens int
	Model       string
	Latency     time.Duration
}

// wire types

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
