package dsl

// RuleSet is the top-level YAML document of a rules file or preset.
type RuleSet struct {
	// Name identifies a preset; optional for user rule files.
	Name string `yaml:"name"`
	// Description explains the trust level of the set.
	Description string `yaml:"description"`
	// Extends names another preset whose rules are loaded first.
	Extends string `yaml:"extends"`
	// Rules lists the rule declarations.
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig declares a single pattern rule.
type RuleConfig struct {
	// Pattern is the full glob over the canonical tool call, e.g. "Bash(git *)".
	Pattern string `yaml:"pattern"`
	// Tool with Match is a shorthand for Pattern: Tool(Match).
	Tool string `yaml:"tool"`
	// Match is the argument glob used with Tool; empty means "*".
	Match string `yaml:"match"`
	// Action is approve or deny; defaults to approve.
	Action string `yaml:"action"`
	// Priority orders rules; higher wins.
	Priority int `yaml:"priority"`
}
