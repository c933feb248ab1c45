package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/store"
)

// Store persists rules.
type Store interface {
	AddRule(ctx context.Context, rule store.Rule) (int64, bool, error)
	RemoveRule(ctx context.Context, id int64) error
	ListRules(ctx context.Context) ([]store.Rule, error)
}

// Engine evaluates tool calls against stored rules.
type Engine struct {
	store  Store
	logger *slog.Logger
}

// New returns an Engine over s. logger may be nil.
func New(s Store, logger *slog.Logger) *Engine {
	return &Engine{store: s, logger: logger}
}

// Evaluate returns the action of the first matching rule in priority order,
// or constants.ActionNone.
func (e *Engine) Evaluate(ctx context.Context, toolCall string) (string, error) {
	rules, err := e.load(ctx)
	if err != nil {
		return constants.ActionNone, err
	}
	return firstMatch(rules, toolCall), nil
}

// Add stores a rule. Duplicate pattern/action pairs return the existing id with created=false.
func (e *Engine) Add(ctx context.Context, pattern, action string, priority int, origin string) (int64, bool, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return 0, false, fmt.Errorf("rule pattern is empty")
	}
	action = strings.ToLower(strings.TrimSpace(action))
	if action != constants.ActionApprove && action != constants.ActionDeny {
		return 0, false, fmt.Errorf("rule action must be approve or deny, got %q", action)
	}
	id, created, err := e.store.AddRule(ctx, store.Rule{
		Pattern:  pattern,
		Action:   action,
		Priority: priority,
		Origin:   origin,
	})
	if err != nil {
		return 0, false, fmt.Errorf("add rule: %w", err)
	}
	if created && e.logger != nil {
		e.logger.Info("rule added", "id", id, "pattern", pattern, "action", action, "priority", priority, "origin", origin)
	}
	return id, created, nil
}

// Remove deletes a rule by id.
func (e *Engine) Remove(ctx context.Context, id int64) error {
	if err := e.store.RemoveRule(ctx, id); err != nil {
		return fmt.Errorf("remove rule %d: %w", id, err)
	}
	return nil
}

// List returns valid rules in evaluation order.
func (e *Engine) List(ctx context.Context) ([]store.Rule, error) {
	return e.load(ctx)
}

func (e *Engine) load(ctx context.Context) ([]store.Rule, error) {
	all, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	valid := all[:0]
	for _, rule := range all {
		if strings.TrimSpace(rule.Pattern) == "" ||
			(rule.Action != constants.ActionApprove && rule.Action != constants.ActionDeny) {
			if e.logger != nil {
				e.logger.Warn("skipping corrupt rule", "id", rule.ID, "pattern", rule.Pattern, "action", rule.Action)
			}
			continue
		}
		valid = append(valid, rule)
	}
	return valid, nil
}

func firstMatch(rules []store.Rule, toolCall string) string {
	for _, rule := range rules {
		if Match(toolCall, rule.Pattern) {
			return rule.Action
		}
	}
	return constants.ActionNone
}

func combine(rules []store.Rule, toolCalls []string) string {
	approved := false
	for _, call := range toolCalls {
		switch firstMatch(rules, call) {
		case constants.ActionDeny:
			return constants.ActionDeny
		case constants.ActionApprove:
			approved = true
		}
	}
	if approved {
		return constants.ActionApprove
	}
	return constants.ActionNone
}
