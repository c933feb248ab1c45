package rules

import (
	"context"
	"strings"

	"github.com/codex-k8s/afk-gate/internal/command"
	"github.com/codex-k8s/afk-gate/internal/constants"
)

// Verdict is the rule outcome for one tool call.
type Verdict struct {
	// Action is approve or deny when rules settle the call, else none.
	Action string
	// Segments holds the chain split of a Bash command.
	Segments []string
	// Approved lists chain segments already approved by rules.
	Approved []int
}

// IsChain reports whether the call splits into several shell segments.
func (v Verdict) IsChain() bool {
	return len(v.Segments) > 1
}

// Judge evaluates a call against one rules snapshot. A Bash chain is decided
// per segment: any denied segment denies the call, all approved approves it,
// otherwise the approved segments are reported for the human.
func (e *Engine) Judge(ctx context.Context, tool, input string) (Verdict, error) {
	rules, err := e.load(ctx)
	if err != nil {
		return Verdict{Action: constants.ActionNone}, err
	}
	if tool != constants.ToolBash {
		return Verdict{Action: firstMatch(rules, FormatToolCall(tool, input))}, nil
	}

	cmd := strings.TrimSpace(Argument(input))
	segments := command.SplitChain(cmd)
	if len(segments) <= 1 {
		return Verdict{Action: combine(rules, ShellCalls(cmd)), Segments: segments}, nil
	}

	v := Verdict{Action: constants.ActionNone, Segments: segments}
	allApproved := true
	for i, seg := range segments {
		switch combine(rules, ShellCalls(seg)) {
		case constants.ActionDeny:
			v.Action = constants.ActionDeny
			return v, nil
		case constants.ActionApprove:
			v.Approved = append(v.Approved, i)
		default:
			allApproved = false
		}
	}
	if allApproved {
		v.Action = constants.ActionApprove
	}
	return v, nil
}

// ShellCalls returns the canonical calls a Bash segment is judged by: the
// segment itself and every command nested inside its wrappers.
func ShellCalls(segment string) []string {
	subjects := command.Subjects(command.ParseSegment(segment))
	if len(subjects) == 0 {
		return []string{FormatToolCall(constants.ToolBash, "")}
	}
	out := make([]string, len(subjects))
	for i, s := range subjects {
		out[i] = constants.ToolBash + "(" + s + ")"
	}
	return out
}
