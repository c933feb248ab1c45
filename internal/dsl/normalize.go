package dsl

import (
	"strings"

	"github.com/codex-k8s/afk-gate/internal/constants"
)

func normalize(set *RuleSet) {
	set.Name = strings.TrimSpace(set.Name)
	set.Extends = strings.TrimSpace(set.Extends)
	for i := range set.Rules {
		set.Rules[i] = normalizeRule(set.Rules[i])
	}
	set.Rules = dedupeRules(set.Rules)
}

func normalizeRule(rule RuleConfig) RuleConfig {
	rule.Pattern = strings.TrimSpace(rule.Pattern)
	rule.Tool = strings.TrimSpace(rule.Tool)
	rule.Match = strings.TrimSpace(rule.Match)
	if rule.Pattern == "" && rule.Tool != "" {
		match := rule.Match
		if match == "" {
			match = "*"
		}
		rule.Pattern = rule.Tool + "(" + match + ")"
	}
	rule.Action = strings.ToLower(strings.TrimSpace(rule.Action))
	if rule.Action == "" {
		rule.Action = constants.ActionApprove
	}
	return rule
}

// dedupeRules keeps the first occurrence of each pattern/action pair.
func dedupeRules(rules []RuleConfig) []RuleConfig {
	seen := make(map[string]struct{}, len(rules))
	out := rules[:0]
	for _, rule := range rules {
		key := rule.Action + "\x00" + rule.Pattern
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rule)
	}
	return out
}
