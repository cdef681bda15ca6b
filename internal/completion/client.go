// Package completion is the bounded-timeout adapter to the external
// chat-completion provider. Failures are classified, never retried: a retry
// here could produce duplicate user-visible replies.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.groq.com/openai/v1"
	defaultTimeout = 30 * time.Second

	maxErrorBodySize = 64 << 10
)

// Client calls the completion provider's chat endpoint.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a client for the default provider endpoint.
func NewClient() *Client {
	return NewClientWithBaseURL(defaultBaseURL)
}

// NewClientWithBaseURL creates a client pointing at a custom base URL
// (alternate providers, tests).
func NewClientWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    defaultTimeout,
		httpClient: &http.Client{},
	}
}

// SetTimeout overrides the per-call hard timeout. Values <= 0 are ignored.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Complete sends one chat completion request. The returned Result carries the
// measured latency; on failure the error is a *Error and the latency is still
// populated in the zero-valued Result.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserMessage},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      false,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return Result{Latency: latency}, classifyTransport(callCtx, err, latency)
	}
	defer resp.Body.Close()

	latency = time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := providerMessage(resp)
		return Result{Latency: latency}, &Error{Kind: KindProvider, Status: resp.StatusCode, Message: msg}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{Latency: latency}, &Error{Kind: KindMalformed, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Result{Latency: latency}, &Error{Kind: KindMalformed, Message: "response missing choices[0].message.content"}
	}

	return Result{
		Text:        strings.TrimSpace(parsed.Choices[0].Message.Content),
		TotalTokens: parsed.Usage.TotalTokens,
		Model:       req.Model,
		Latency:     latency,
	}, nil
}

// classifyTransport distinguishes the hard per-call timeout from ordinary
// network failures. Parent-context cancellation passes through untouched so
// callers can tell a torn-down session from a slow provider.
func classifyTransport(callCtx context.Context, err error, latency time.Duration) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: fmt.Sprintf("no response after %s", latency.Round(time.Millisecond))}
	}
	return &Error{Kind: KindTransport, Message: err.Error()}
}

func providerMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}
