package security

import (
	"encoding/json"
	"regexp"
	"strings"
)

var sensitiveSubstrings = []string{
	"token",
	"password",
	"authorization",
	"apikey",
	"api_key",
	"access_key",
	"private_key",
	"credentials",
	"passwd",
	"secret",
	"signature",
	"cookie",
	"jwt",
	"bearer",
	"credential",
	"passphrase",
}

var allowList = map[string]struct{}{
	"secret_name": {},
}

const mask = "***"

var (
	envSecret    = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:TOKEN|PASSWORD|PASSWD|SECRET|API_?KEY|ACCESS_KEY|PRIVATE_KEY|CREDENTIALS?)[A-Z0-9_]*)=("[^"]*"|'[^']*'|\S+)`)
	headerSecret = regexp.MustCompile(`(?i)(authorization:\s*(?:bearer|basic|token)\s+)([^\s"']+)`)
)

// RedactArguments returns a copy of values with sensitive entries masked,
// descending into nested objects and arrays.
func RedactArguments(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	redacted := make(map[string]any, len(values))
	for key, value := range values {
		if isSensitiveKey(key) {
			redacted[key] = mask
			continue
		}
		redacted[key] = redactValue(value)
	}
	return redacted
}

// RedactToolInput masks secrets in a JSON tool input. Non-object input is
// returned unchanged.
func RedactToolInput(raw string) string {
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil || values == nil {
		return raw
	}
	encoded, err := json.Marshal(RedactArguments(values))
	if err != nil {
		return raw
	}
	return string(encoded)
}

// RedactCommand masks inline secrets in a shell command line: sensitive
// VAR=value assignments and Authorization headers.
func RedactCommand(cmd string) string {
	cmd = envSecret.ReplaceAllString(cmd, "${1}="+mask)
	return headerSecret.ReplaceAllString(cmd, "${1}"+mask)
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return RedactArguments(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	case string:
		return RedactCommand(v)
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if _, ok := allowList[lower]; ok {
		return false
	}
	if strings.Contains(lower, "secret") && strings.Contains(lower, "name") {
		return false
	}
	for _, part := range sensitiveSubstrings {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
