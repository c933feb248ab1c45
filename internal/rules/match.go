package rules

import (
	"strings"

	"github.com/tidwall/match"
)

// Match reports whether toolCall matches the glob pattern. '*' spans any run
// of characters within a line, '?' exactly one; everything else is literal.
// Case is ignored.
func Match(toolCall, pattern string) bool {
	if pattern == "" {
		return false
	}
	// Every line break of the call must be matched by a literal one in the
	// pattern, so wildcards never cross lines.
	if strings.Count(toolCall, "\n") != strings.Count(pattern, "\n") {
		return false
	}
	pattern = strings.ReplaceAll(strings.ToLower(pattern), `\`, `\\`)
	return match.Match(strings.ToLower(toolCall), pattern)
}
