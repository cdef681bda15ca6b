// Package policy holds the per-tenant auto-reply configuration and its
// read-through store. Invalid numeric fields are clamped into range on update,
// never rejected.
package policy

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// MinReplyDelay is the floor for the human-pacing delay before a reply.
	MinReplyDelay = time.Second

	minTokens = 50
	maxTokens = 2000

	minTemperature = 0.0
	maxTemperature = 2.0

	defaultModel        = "mixtral-8x7b-32768"
	defaultSystemPrompt = "You are a friendly assistant that answers chat messages helpfully and concisely."
	defaultMaxTokens    = 500
	defaultTemperature  = 0.7
	defaultReplyDelay   = 3 * time.Second
)

// Policy is the effective auto-reply configuration for one tenant.
type Policy struct {
	Enabled      bool          `json:"enabled"`
	Model        string        `json:"model"`
	SystemPrompt string        `json:"system_prompt"`
	Keywords     []string      `json:"keywords"`
	ReplyDelay   time.Duration `json:"-"`
	MaxTokens    int           `json:"max_tokens"`
	Temperature  float64       `json:"temperature"`
	APIKey       string        `json:"-"`
}

// Default returns the policy used when a tenant has no persisted row:
// auto-reply disabled, conservative model parameters, no keywords.
func Default() Policy {
	return Policy{
		Enabled:      false,
		Model:        defaultModel,
		SystemPrompt: defaultSystemPrompt,
		Keywords:     nil,
		ReplyDelay:   defaultReplyDelay,
		MaxTokens:    defaultMaxTokens,
		Temperature:  defaultTemperature,
	}
}

// MatchesKeywords reports whether body passes the keyword gate: true when the
// keyword list is empty, or when any trimmed keyword appears in the body as a
// case-insensitive substring. Keywords empty after trimming never match.
func (p Policy) MatchesKeywords(body string) bool {
	if len(p.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(body)
	matched := false
	for _, kw := range p.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		matched = true
		if strings.Contains(lower, kw) {
			return true
		}
	}
	// A list of only-blank entries behaves like an empty list.
	return !matched
}

// Apply folds a partial update into the policy. Only recognized fields are
// applied; unknown keys are ignored. Numeric fields are clamped into range.
func (p *Policy) Apply(fields map[string]any) {
	for key, value := range fields {
		switch key {
		case "enabled":
			if b, ok := value.(bool); ok {
				p.Enabled = b
			}
		case "model":
			if s, ok := value.(string); ok && s != "" {
				p.Model = s
			}
		case "system_prompt":
			if s, ok := value.(string); ok {
				p.SystemPrompt = s
			}
		case "keywords":
			if kws, ok := toStringSlice(value); ok {
				p.Keywords = kws
			}
		case "reply_delay_ms":
			if ms, ok := toInt64(value); ok {
				p.ReplyDelay = clampDelay(time.Duration(ms) * time.Millisecond)
			}
		case "max_tokens":
			if n, ok := toInt64(value); ok {
				p.MaxTokens = clampTokens(int(n))
			}
		case "temperature":
			if f, ok := toFloat64(value); ok {
				p.Temperature = clampTemperature(f)
			}
		case "api_key":
			if s, ok := value.(string); ok {
				p.APIKey = s
			}
		}
	}
}

func clampDelay(d time.Duration) time.Duration {
	if d < MinReplyDelay {
		return MinReplyDelay
	}
	return d
}

func clampTokens(n int) int {
	if n < minTokens {
		return minTokens
	}
	if n > maxTokens {
		return maxTokens
	}
	return n
}

func clampTemperature(f float64) float64 {
	if f < minTemperature {
		return minTemperature
	}
	if f > maxTemperature {
		return maxTemperature
	}
	return f
}

// toInt64 accepts the numeric types a JSON decode or a Go caller may supply.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toStringSlice(v any) ([]string, bool) {
	switch vals := v.(type) {
	case []string:
		return vals, true
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
