package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codex-k8s/afk-gate/internal/gateway"
	"github.com/codex-k8s/afk-gate/internal/idempotency"
	"github.com/codex-k8s/afk-gate/internal/protocol"
	"github.com/codex-k8s/afk-gate/internal/security"
)

// ToolName is the MCP tool the agent calls via --permission-prompt-tool.
const ToolName = "approval_prompt"

// DefaultSessionID is used when the transport carries no session id.
const DefaultSessionID = "mcp"

// Approver decides tool calls.
type Approver interface {
	RequestApproval(ctx context.Context, call gateway.Call) (gateway.Decision, error)
}

// Builder constructs the permission prompt MCP server.
type Builder struct {
	// Name and Version identify the server.
	Name    string
	Version string
	// Approver runs the approval pipeline.
	Approver Approver
	// Cache answers retried prompts of the same session, tool_use_id and call.
	Cache *idempotency.PromptCache
	// SessionID overrides the session of every call.
	SessionID string
	// ProjectPath is reported with every call.
	ProjectPath string
	// Logger is used for structured logging.
	Logger *slog.Logger
}

// Build creates an MCP server exposing approval_prompt.
func (b Builder) Build() *mcp.Server {
	name := b.Name
	if name == "" {
		name = "afk-gate"
	}
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: b.Version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolName,
		Title:       "Remote approval",
		Description: "Ask a human over Telegram whether a tool call may run.",
	}, b.handle)
	return server
}

func (b Builder) handle(ctx context.Context, req *mcp.CallToolRequest, in protocol.PromptInput) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, nil, fmt.Errorf("encode prompt input: %w", err)
	}
	if err := protocol.ValidatePrompt(raw); err != nil {
		return nil, nil, err
	}

	input := "{}"
	if in.Input != nil {
		data, err := json.Marshal(in.Input)
		if err != nil {
			return nil, nil, fmt.Errorf("encode tool input: %w", err)
		}
		input = string(data)
	}
	sessionID := b.sessionID(req)
	toolName := strings.TrimSpace(in.ToolName)
	canonical, _ := gateway.Canonicalize(input)
	key := idempotency.Key(sessionID, in.ToolUseID, toolName, canonical)

	if cached, ok := b.Cache.Lookup(key); ok {
		b.logInfo("prompt cache hit", "tool", toolName, "tool_use_id", in.ToolUseID)
		return textResult(cached)
	}
	b.logInfo("approval prompt", "tool", toolName, "tool_use_id", in.ToolUseID, "input", security.RedactArguments(in.Input))

	call := gateway.Call{
		SessionID:   sessionID,
		ToolName:    toolName,
		ToolInput:   input,
		Description: protocol.PromptDescription(in.Input),
		ProjectPath: b.ProjectPath,
	}
	decision, err := b.Approver.RequestApproval(ctx, call)
	result := promptResult(in, decision, err)
	if err != nil {
		if b.Logger != nil {
			b.Logger.Error("approval failed", "tool", in.ToolName, "error", err)
		}
	} else {
		b.Cache.Remember(key, result)
	}
	return textResult(result)
}

func promptResult(in protocol.PromptInput, decision gateway.Decision, err error) protocol.PromptResult {
	if err != nil {
		return protocol.PromptResult{Behavior: protocol.DecisionDeny, Message: "approval unavailable: " + err.Error()}
	}
	if decision.Approved() {
		updated := in.Input
		if updated == nil {
			updated = map[string]any{}
		}
		return protocol.PromptResult{Behavior: protocol.DecisionAllow, UpdatedInput: updated}
	}
	msg := decision.Reason
	if msg == "" {
		msg = "denied"
	}
	return protocol.PromptResult{Behavior: protocol.DecisionDeny, Message: msg}
}

func textResult(result protocol.PromptResult) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("encode prompt result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil, nil
}

func (b Builder) sessionID(req *mcp.CallToolRequest) string {
	if b.SessionID != "" {
		return b.SessionID
	}
	if req != nil && req.Session != nil {
		if id := req.Session.ID(); id != "" {
			return id
		}
	}
	return DefaultSessionID
}

func (b Builder) logInfo(msg string, args ...any) {
	if b.Logger != nil {
		b.Logger.Info(msg, args...)
	}
}
