package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/codex-k8s/afk-gate/internal/faults"
)

//go:embed schema/*.json
var schemas embed.FS

// Permission decisions understood by the agent.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// Hook event names.
const (
	EventPreToolUse        = "PreToolUse"
	EventPermissionRequest = "PermissionRequest"
)

// HookInput is the JSON document the agent writes to a hook's stdin.
type HookInput struct {
	SessionID     string          `json:"session_id"`
	HookEventName string          `json:"hook_event_name,omitempty"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolContext   json.RawMessage `json:"tool_context,omitempty"`
	ToolUseID     string          `json:"tool_use_id,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
	ProjectPath   string          `json:"project_path,omitempty"`
}

// Project returns the project directory of the call.
func (h HookInput) Project() string {
	if h.ProjectPath != "" {
		return h.ProjectPath
	}
	return h.Cwd
}

// Input returns tool_input as a JSON string. Non-object inputs are kept
// verbatim; null yields "".
func (h HookInput) Input() string {
	return rawString(h.ToolInput)
}

// Context returns tool_context as text.
func (h HookInput) Context() string {
	var s string
	if err := json.Unmarshal(h.ToolContext, &s); err == nil {
		return s
	}
	return rawString(h.ToolContext)
}

// Description returns tool_input.description when present.
func (h HookInput) Description() string {
	return description(h.ToolInput)
}

// HookOutput is written to stdout to answer a hook.
type HookOutput struct {
	HookSpecificOutput HookSpecificOutput `json:"hookSpecificOutput"`
}

// HookSpecificOutput carries the permission decision.
type HookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// NewHookOutput builds a hook answer. An empty event defaults to PreToolUse.
func NewHookOutput(event, decision, reason string) HookOutput {
	if event == "" {
		event = EventPreToolUse
	}
	return HookOutput{HookSpecificOutput: HookSpecificOutput{
		HookEventName:            event,
		PermissionDecision:       decision,
		PermissionDecisionReason: reason,
	}}
}

// PromptInput is the argument of the MCP approval_prompt tool.
type PromptInput struct {
	ToolName  string         `json:"tool_name" jsonschema:"name of the tool requesting permission"`
	Input     map[string]any `json:"input,omitempty" jsonschema:"tool input"`
	ToolUseID string         `json:"tool_use_id,omitempty" jsonschema:"agent tool use id"`
}

// PromptResult is returned by approval_prompt as JSON text.
type PromptResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// ParseHookInput validates data against the hook input schema and decodes it.
func ParseHookInput(data []byte) (*HookInput, error) {
	if err := validate("hook_input", data); err != nil {
		return nil, err
	}
	var in HookInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, faults.Wrap(fmt.Errorf("decode hook input: %w", err), faults.CategoryInvalidInput, false)
	}
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.ToolName = strings.TrimSpace(in.ToolName)
	return &in, nil
}

// ValidatePrompt checks an approval_prompt argument document.
func ValidatePrompt(data []byte) error {
	return validate("approval_prompt", data)
}

var compiled = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, 2)
	for _, name := range []string{"hook_input", "approval_prompt"} {
		raw, err := schemas.ReadFile("schema/" + name + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		schema, err := compiler.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
})

func validate(name string, data []byte) error {
	all, err := compiled()
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return faults.Wrap(fmt.Errorf("%s: invalid JSON", name), faults.CategoryInvalidInput, false)
	}
	result := all[name].ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return faults.Wrap(fmt.Errorf("%s: schema validation failed: %v", name, result.Errors), faults.CategoryInvalidInput, false)
}

func rawString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	return string(trimmed)
}

func description(raw json.RawMessage) string {
	var obj struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return strings.TrimSpace(obj.Description)
}

// PromptDescription returns input.description of an approval_prompt call.
func PromptDescription(input map[string]any) string {
	if s, ok := input["description"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
