// Package api is the control surface: a bearer-authenticated REST API for
// pairing, policy management, and reply history, plus an MCP server exposing
// the same operations as tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ardiansah/wabot/internal/outcome"
	"github.com/ardiansah/wabot/internal/policy"
	"github.com/ardiansah/wabot/internal/registry"
	"github.com/ardiansah/wabot/internal/storage"
	"github.com/ardiansah/wabot/internal/transport"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	defaultStatsDays = 7
	maxStatsDays     = 365
)

// ConnectionManager abstracts the session registry for the API layer.
type ConnectionManager interface {
	BeginPairing(ctx context.Context, tenantID string) (registry.Snapshot, error)
	State(tenantID string) registry.Snapshot
	EndSession(tenantID string)
}

// PolicyService reads and updates per-tenant auto-reply policies.
type PolicyService interface {
	Get(ctx context.Context, tenantID string) (policy.Policy, error)
	Update(ctx context.Context, tenantID string, fields map[string]any) (policy.Policy, error)
}

// OutcomeSource serves reply history and aggregate stats.
type OutcomeSource interface {
	Stats(tenantID string, window time.Duration) (storage.ReplyStats, error)
	Recent(tenantID string, limit int) ([]storage.ReplyLogRow, error)
}

// MessageSource serves recently received inbound messages.
type MessageSource interface {
	RecentMessages(tenantID string, limit int) ([]storage.MessageRow, error)
}

// ReplyTester runs the reply pipeline directly, without pacing.
type ReplyTester interface {
	HandleDirect(ctx context.Context, msg transport.InboundMessage) (*outcome.Outcome, error)
}

type AppDeps struct {
	Connections ConnectionManager
	Policies    PolicyService
	Outcomes    OutcomeSource
	Messages    MessageSource // optional; if nil, the messages route returns empty lists
	Tester      ReplyTester
	Counters    CounterSource // optional; if nil, /health omits the counters block
	Token       string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/tenants/{tenant}/pairing", handleBeginPairing(deps))
		r.Delete("/tenants/{tenant}/session", handleEndSession(deps))
		r.Get("/tenants/{tenant}/connection", handleGetConnection(deps))
		r.Get("/tenants/{tenant}/policy", handleGetPolicy(deps))
		r.Patch("/tenants/{tenant}/policy", handlePatchPolicy(deps))
		r.Get("/tenants/{tenant}/stats", handleGetStats(deps))
		r.Get("/tenants/{tenant}/replies", handleListReplies(deps))
		r.Get("/tenants/{tenant}/messages", handleListMessages(deps))
		r.Post("/tenants/{tenant}/test-reply", handleTestReply(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if deps.Counters != nil {
			body["counters"] = deps.Counters.Snapshot()
		}
		writeJSON(w, body)
	}
}

func handleBeginPairing(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")

		snap, err := deps.Connections.BeginPairing(r.Context(), tenant)
		if errors.Is(err, registry.ErrProviderUnavailable) {
			httpError(w, http.StatusBadGateway, "api_error", "messaging provider unavailable: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start pairing: %v", err)
			return
		}

		writeJSON(w, snap)
	}
}

func handleEndSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Connections.EndSession(chi.URLParam(r, "tenant"))
		writeJSON(w, map[string]string{"status": "disconnected"})
	}
}

func handleGetConnection(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Connections.State(chi.URLParam(r, "tenant")))
	}
}

// policyResponse exposes the delay in milliseconds and never the credential
// itself, only whether one is set.
type policyResponse struct {
	policy.Policy
	ReplyDelayMs int64 `json:"reply_delay_ms"`
	HasAPIKey    bool  `json:"has_api_key"`
}

func toPolicyResponse(p policy.Policy) policyResponse {
	return policyResponse{
		Policy:       p,
		ReplyDelayMs: p.ReplyDelay.Milliseconds(),
		HasAPIKey:    p.APIKey != "",
	}
}

func handleGetPolicy(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Policies.Get(r.Context(), chi.URLParam(r, "tenant"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load policy: %v", err)
			return
		}
		writeJSON(w, toPolicyResponse(p))
	}
}

func handlePatchPolicy(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(fields) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no fields to update")
			return
		}

		p, err := deps.Policies.Update(r.Context(), chi.URLParam(r, "tenant"), fields)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update policy: %v", err)
			return
		}
		writeJSON(w, toPolicyResponse(p))
	}
}

func handleGetStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", defaultStatsDays, maxStatsDays)
		if days == 0 {
			days = defaultStatsDays
		}

		stats, err := deps.Outcomes.Stats(chi.URLParam(r, "tenant"), time.Duration(days)*24*time.Hour)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"period_days": days,
			"stats":       stats,
		})
	}
}

type replyLogResponse struct {
	ID              string    `json:"id"`
	ContactID       string    `json:"contact_id"`
	OriginalMessage string    `json:"original_message"`
	Response        string    `json:"response,omitempty"`
	Success         bool      `json:"success"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ResponseTimeMs  int64     `json:"response_time_ms"`
	TokensUsed      int       `json:"tokens_used"`
	Model           string    `json:"model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func handleListReplies(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		rows, err := deps.Outcomes.Recent(chi.URLParam(r, "tenant"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list replies: %v", err)
			return
		}

		out := make([]replyLogResponse, len(rows))
		for i, row := range rows {
			out[i] = replyLogResponse{
				ID:              row.ID,
				ContactID:       row.ContactID,
				OriginalMessage: row.OriginalMessage,
				Response:        row.Response,
				Success:         row.Success,
				ErrorKind:       row.ErrorKind,
				ErrorMessage:    row.ErrorMessage,
				ResponseTimeMs:  row.ResponseTimeMs,
				TokensUsed:      row.TokensUsed,
				Model:           row.Model,
				CreatedAt:       row.CreatedAt,
			}
		}
		writeJSON(w, out)
	}
}

type messageResponse struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contact_id"`
	Body       string    `json:"body"`
	FromSelf   bool      `json:"from_self"`
	ReceivedAt time.Time `json:"received_at"`
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		out := []messageResponse{}
		if deps.Messages != nil {
			rows, err := deps.Messages.RecentMessages(chi.URLParam(r, "tenant"), limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
				return
			}
			for _, row := range rows {
				out = append(out, messageResponse{
					ID:         row.ID,
					ContactID:  row.ContactID,
					Body:       row.Body,
					FromSelf:   row.FromSelf,
					ReceivedAt: row.ReceivedAt,
				})
			}
		}
		writeJSON(w, out)
	}
}

type testReplyRequest struct {
	Message   string `json:"message"`
	ContactID string `json:"contact_id"`
}

func handleTestReply(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req testReplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		if req.ContactID == "" {
			req.ContactID = "test"
		}

		msg := transport.InboundMessage{
			TenantID:   chi.URLParam(r, "tenant"),
			ContactID:  req.ContactID,
			Body:       req.Message,
			MessageID:  uuid.New().String(),
			ReceivedAt: time.Now().UTC(),
		}

		oc, err := deps.Tester.HandleDirect(r.Context(), msg)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "test reply failed: %v", err)
			return
		}
		if oc == nil {
			writeJSON(w, map[string]any{"suppressed": true})
			return
		}
		writeJSON(w, map[string]any{
			"suppressed":       false,
			"outcome":          oc,
			"response_time_ms": oc.Latency.Milliseconds(),
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
