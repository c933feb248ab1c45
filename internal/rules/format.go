package rules

import (
	"encoding/json"
	"strings"
)

// argumentFields lists the tool input fields used as the call argument, in priority order.
var argumentFields = []string{"command", "file_path", "path", "url"}

// FormatToolCall renders a tool call as "Tool(argument)". Input without a
// known string field, or invalid JSON, yields "Tool()".
func FormatToolCall(toolName, rawInput string) string {
	return toolName + "(" + Argument(rawInput) + ")"
}

// Argument extracts the call argument from a JSON tool input.
func Argument(rawInput string) string {
	if strings.TrimSpace(rawInput) == "" {
		return ""
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(rawInput), &data); err != nil {
		return ""
	}
	for _, field := range argumentFields {
		if value, ok := data[field].(string); ok {
			return value
		}
	}
	return ""
}
