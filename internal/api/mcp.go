package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ardiansah/wabot/internal/outcome"
	"github.com/ardiansah/wabot/internal/transport"
)

// CounterSource exposes process-lifetime reply counters.
type CounterSource interface {
	Snapshot() outcome.Counters
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Connections ConnectionManager
	Policies    PolicyService
	Outcomes    OutcomeSource
	Tester      ReplyTester
	Counters    CounterSource // optional; if nil, the counters resource is empty
}

// NewMCPServer creates an MCP server exposing the auto-reply operations as
// tools, so an assistant can inspect and drive a tenant's connection.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"wabot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("wabot — messaging connection and auto-reply orchestration for tenants."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("connection_state",
			mcp.WithDescription("Report the current messaging connection state for a tenant."),
			mcp.WithString("tenant", mcp.Description("Tenant identifier"), mcp.Required()),
		),
		mcpConnectionState(deps),
	)

	s.AddTool(
		mcp.NewTool("auto_reply_stats",
			mcp.WithDescription("Aggregate auto-reply statistics for a tenant over a trailing window."),
			mcp.WithString("tenant", mcp.Description("Tenant identifier"), mcp.Required()),
			mcp.WithNumber("days", mcp.Description("Window length in days (default 7)")),
		),
		mcpAutoReplyStats(deps),
	)

	s.AddTool(
		mcp.NewTool("get_policy",
			mcp.WithDescription("Read a tenant's effective auto-reply policy."),
			mcp.WithString("tenant", mcp.Description("Tenant identifier"), mcp.Required()),
		),
		mcpGetPolicy(deps),
	)

	s.AddTool(
		mcp.NewTool("test_reply",
			mcp.WithDescription("Run the auto-reply pipeline on a test message without sending anything."),
			mcp.WithString("tenant", mcp.Description("Tenant identifier"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The message text to reply to"), mcp.Required()),
		),
		mcpTestReply(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"wabot://counters",
			"Reply Counters",
			mcp.WithResourceDescription("Process-lifetime auto-reply counters as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCounters(deps),
	)

	return s
}

func mcpConnectionState(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}

		b, err := json.Marshal(deps.Connections.State(tenant))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal state: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAutoReplyStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}

		days := req.GetInt("days", defaultStatsDays)
		if days <= 0 {
			days = defaultStatsDays
		}
		if days > maxStatsDays {
			days = maxStatsDays
		}

		stats, err := deps.Outcomes.Stats(tenant, time.Duration(days)*24*time.Hour)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute stats: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"period_days": days,
			"stats":       stats,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetPolicy(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}

		p, err := deps.Policies.Get(ctx, tenant)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load policy: %v", err)), nil
		}

		b, err := json.Marshal(toPolicyResponse(p))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal policy: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTestReply(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant")
		if err != nil {
			return mcpError("tenant is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		oc, err := deps.Tester.HandleDirect(ctx, transport.InboundMessage{
			TenantID:   tenant,
			ContactID:  "test",
			Body:       message,
			MessageID:  uuid.New().String(),
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("test reply failed: %v", err)), nil
		}
		if oc == nil {
			return mcpText("suppressed: auto-reply is disabled or the message did not match the keyword filter"), nil
		}
		if !oc.Success {
			return mcpError(fmt.Sprintf("reply failed (%s): %s", oc.ErrorKind, oc.ErrorMessage)), nil
		}
		return mcpText(oc.Response), nil
	}
}

func mcpResourceCounters(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var counters outcome.Counters
		if deps.Counters != nil {
			counters = deps.Counters.Snapshot()
		}

		b, err := json.Marshal(counters)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal counters: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
