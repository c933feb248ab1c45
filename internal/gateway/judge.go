package gateway

import (
	"context"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/faults"
	"github.com/codex-k8s/afk-gate/internal/rules"
)

// Canonicalize returns the RFC 8785 form of a JSON tool input so that
// equivalent inputs deduplicate. Empty input stays empty.
func Canonicalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	out, err := jcs.Transform([]byte(trimmed))
	if err != nil {
		return trimmed, faults.Wrap(err, faults.CategoryParseDegradation, false)
	}
	return string(out), nil
}

func (g *Gateway) canonical(tool, raw string) string {
	out, err := Canonicalize(raw)
	if err != nil {
		g.logWarn("tool input is not canonical JSON", "tool", tool, "error", err)
	}
	return out
}

// judge evaluates rules for a call; without rules nothing is settled.
func (g *Gateway) judge(ctx context.Context, tool, input string) (rules.Verdict, error) {
	if g.opts.Rules == nil {
		return rules.Verdict{Action: constants.ActionNone}, nil
	}
	v, err := g.opts.Rules.Judge(ctx, tool, input)
	if err != nil {
		return rules.Verdict{}, faults.Wrap(err, faults.CategoryStoreUnavailable, true)
	}
	return v, nil
}

func argument(input string) string {
	return rules.Argument(input)
}
