package rules

import (
	"context"
	"fmt"

	"github.com/codex-k8s/afk-gate/configs"
	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/dsl"
)

// Preset describes an embedded rule preset.
type Preset struct {
	Name        string
	Description string
	Extends     string
}

// Presets lists the embedded presets.
func Presets() ([]Preset, error) {
	var out []Preset
	for _, name := range configs.Names() {
		set, err := loadPreset(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Preset{Name: name, Description: set.Description, Extends: set.Extends})
	}
	return out, nil
}

// LoadPreset installs the rules of a preset, including the presets it
// extends, with origin "preset:<name>". Existing rules are skipped.
func (e *Engine) LoadPreset(ctx context.Context, name string) (added, skipped int, err error) {
	chain, err := resolvePreset(name)
	if err != nil {
		return 0, 0, err
	}
	for _, set := range chain {
		a, s, err := e.install(ctx, set.Rules, constants.OriginPresetPrefix+name)
		added += a
		skipped += s
		if err != nil {
			return added, skipped, err
		}
	}
	return added, skipped, nil
}

// Import installs the rules of a YAML rules file.
func (e *Engine) Import(ctx context.Context, path string) (added, skipped int, err error) {
	set, err := dsl.LoadFile(path)
	if err != nil {
		return 0, 0, err
	}
	return e.install(ctx, set.Rules, constants.OriginFile)
}

func (e *Engine) install(ctx context.Context, rules []dsl.RuleConfig, origin string) (added, skipped int, err error) {
	for _, rule := range rules {
		_, created, err := e.Add(ctx, rule.Pattern, rule.Action, rule.Priority, origin)
		if err != nil {
			return added, skipped, err
		}
		if created {
			added++
		} else {
			skipped++
		}
	}
	return added, skipped, nil
}

// resolvePreset returns the extends chain of name, base preset first.
func resolvePreset(name string) ([]*dsl.RuleSet, error) {
	var chain []*dsl.RuleSet
	seen := map[string]struct{}{}
	for current := name; current != ""; {
		if _, ok := seen[current]; ok {
			return nil, fmt.Errorf("preset %q: extends cycle at %q", name, current)
		}
		seen[current] = struct{}{}
		set, err := loadPreset(current)
		if err != nil {
			return nil, err
		}
		chain = append([]*dsl.RuleSet{set}, chain...)
		current = set.Extends
	}
	return chain, nil
}

func loadPreset(name string) (*dsl.RuleSet, error) {
	data, err := configs.Load(name)
	if err != nil {
		return nil, err
	}
	set, err := dsl.Load(data)
	if err != nil {
		return nil, fmt.Errorf("preset %q: %w", name, err)
	}
	return set, nil
}
