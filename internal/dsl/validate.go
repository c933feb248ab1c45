package dsl

import (
	"fmt"
	"strings"

	"github.com/codex-k8s/afk-gate/internal/constants"
)

// Validate verifies a normalized rule set.
func Validate(set *RuleSet) error {
	if set == nil {
		return fmt.Errorf("rule set is nil")
	}
	if set.Extends != "" && set.Extends == set.Name {
		return fmt.Errorf("rule set %q extends itself", set.Name)
	}
	for i, rule := range set.Rules {
		if rule.Pattern == "" {
			return fmt.Errorf("rules[%d]: pattern or tool is required", i)
		}
		if rule.Tool != "" && !strings.HasPrefix(rule.Pattern, rule.Tool+"(") {
			return fmt.Errorf("rules[%d]: pattern %q conflicts with tool %q", i, rule.Pattern, rule.Tool)
		}
		if !strings.HasSuffix(rule.Pattern, ")") && !strings.HasSuffix(rule.Pattern, "*") {
			return fmt.Errorf("rules[%d]: pattern %q must look like Tool(args)", i, rule.Pattern)
		}
		switch rule.Action {
		case constants.ActionApprove, constants.ActionDeny:
		default:
			return fmt.Errorf("rules[%d]: action must be approve or deny", i)
		}
	}
	return nil
}
