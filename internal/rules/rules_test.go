package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "afk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, nil), s
}

func TestFormatToolCall(t *testing.T) {
	cases := []struct {
		tool, input, want string
	}{
		{"Bash", `{"command":"git status"}`, "Bash(git status)"},
		{"Edit", `{"file_path":"/a/b.go","old_string":"x"}`, "Edit(/a/b.go)"},
		{"Glob", `{"path":"/src","pattern":"*.go"}`, "Glob(/src)"},
		{"WebFetch", `{"url":"https://x.dev"}`, "WebFetch(https://x.dev)"},
		{"Mixed", `{"url":"u","command":"c"}`, "Mixed(c)"},
		{"Task", `{"prompt":"hi"}`, "Task()"},
		{"Bash", `not json`, "Bash()"},
		{"Bash", ``, "Bash()"},
	}
	for _, tc := range cases {
		if got := FormatToolCall(tc.tool, tc.input); got != tc.want {
			t.Fatalf("FormatToolCall(%s, %s) = %q, want %q", tc.tool, tc.input, got, tc.want)
		}
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		call, pattern string
		want          bool
	}{
		{"Bash(git status)", "Bash(git *)", true},
		{"bash(GIT status)", "BASH(git *)", true},
		{"Bash(ls)", "Bash(l?)", true},
		{"Bash(ls)", "Bash(l?s)", false},
		{"Bash(git)", "Bash(git *)", false},
		{`Read(C:\tmp\x)`, `Read(C:\tmp\*)`, true},
		{"Read(/etc)", "", false},
		{"anything()", "*", true},
		{"Bash(git status\nrm -rf /)", "Bash(git *)", false},
		{"Bash(git status\nrm -rf /)", "*", false},
		{"Bash(a\nb)", "Bash(a\n?)", true},
	}
	for _, tc := range cases {
		if got := Match(tc.call, tc.pattern); got != tc.want {
			t.Fatalf("Match(%q, %q) = %v, want %v", tc.call, tc.pattern, got, tc.want)
		}
	}
}

func TestEvaluatePriorityAndInsertionOrder(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	mustAdd(t, e, "Bash(*)", constants.ActionDeny, 0)
	mustAdd(t, e, "Bash(git *)", constants.ActionApprove, 0)
	mustAdd(t, e, "Bash(git push *)", constants.ActionDeny, 10)

	cases := map[string]string{
		"Bash(git push origin)": constants.ActionDeny,
		"Bash(git log)":         constants.ActionDeny,
		"Read(/x)":              constants.ActionNone,
	}
	for call, want := range cases {
		got, err := e.Evaluate(ctx, call)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if got != want {
			t.Fatalf("Evaluate(%q) = %q, want %q", call, got, want)
		}
	}
}

func TestEvaluateSkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	if _, _, err := s.AddRule(ctx, store.Rule{Pattern: "Bash(*)", Action: "maybe", Priority: 100}); err != nil {
		t.Fatalf("insert corrupt rule: %v", err)
	}
	if _, _, err := s.AddRule(ctx, store.Rule{Pattern: "  ", Action: constants.ActionDeny, Priority: 100}); err != nil {
		t.Fatalf("insert corrupt rule: %v", err)
	}
	mustAdd(t, e, "Bash(ls)", constants.ActionApprove, 0)

	got, err := e.Evaluate(ctx, "Bash(ls)")
	if err != nil || got != constants.ActionApprove {
		t.Fatalf("Evaluate = %q, %v", got, err)
	}
	listed, _ := e.List(ctx)
	if len(listed) != 1 {
		t.Fatalf("expected only the valid rule listed, got %+v", listed)
	}
}

func TestJudgeDenyWinsAcrossNestedCalls(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	mustAdd(t, e, "Bash(ssh prod *)", constants.ActionApprove, 0)
	mustAdd(t, e, "Bash(rm -rf *)", constants.ActionDeny, 0)

	v, err := e.Judge(ctx, "Bash", `{"command":"ssh prod rm -rf /"}`)
	if err != nil || v.Action != constants.ActionDeny {
		t.Fatalf("nested deny: %+v %v", v, err)
	}
	v, _ = e.Judge(ctx, "Bash", `{"command":"ssh prod ls"}`)
	if v.Action != constants.ActionApprove || v.IsChain() {
		t.Fatalf("nested approve: %+v", v)
	}
}

func TestJudgeChainPerSegment(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	mustAdd(t, e, "Bash(ssh prod *)", constants.ActionApprove, 0)
	mustAdd(t, e, "Bash(rm -rf *)", constants.ActionDeny, 0)

	v, err := e.Judge(ctx, "Bash", `{"command":"ls && ssh prod w"}`)
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if v.Action != constants.ActionNone || !v.IsChain() || len(v.Approved) != 1 || v.Approved[0] != 1 {
		t.Fatalf("partial chain: %+v", v)
	}
	v, _ = e.Judge(ctx, "Bash", `{"command":"ssh prod w; rm -rf x"}`)
	if v.Action != constants.ActionDeny {
		t.Fatalf("denied segment: %+v", v)
	}
	v, _ = e.Judge(ctx, "Bash", `{"command":"ssh prod w\nssh prod uptime"}`)
	if v.Action != constants.ActionApprove || len(v.Segments) != 2 {
		t.Fatalf("approved lines: %+v", v)
	}
	v, _ = e.Judge(ctx, "Edit", `{"file_path":"/a"}`)
	if v.Action != constants.ActionNone || v.IsChain() {
		t.Fatalf("non-shell tool: %+v", v)
	}
}

func TestAddValidates(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, _, err := e.Add(context.Background(), "", constants.ActionApprove, 0, constants.OriginCLI); err == nil {
		t.Fatal("expected error for empty pattern")
	}
	if _, _, err := e.Add(context.Background(), "Bash(*)", "ask", 0, constants.OriginCLI); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestLoadPresetExtendsAndSkipsExisting(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	added, skipped, err := e.LoadPreset(ctx, "cautious")
	if err != nil || added == 0 || skipped != 0 {
		t.Fatalf("load cautious: added=%d skipped=%d err=%v", added, skipped, err)
	}
	cautious := added

	added, skipped, err = e.LoadPreset(ctx, "standard")
	if err != nil {
		t.Fatalf("load standard: %v", err)
	}
	if skipped != cautious || added == 0 {
		t.Fatalf("standard must skip the %d cautious rules, added=%d skipped=%d", cautious, added, skipped)
	}

	got, _ := e.Evaluate(ctx, FormatToolCall("Bash", `{"command":"git status"}`))
	if got != constants.ActionApprove {
		t.Fatalf("expected preset to approve git status, got %q", got)
	}
	got, _ = e.Evaluate(ctx, FormatToolCall("Bash", `{"command":"rm -rf /"}`))
	if got != constants.ActionDeny {
		t.Fatalf("expected preset to deny rm -rf /, got %q", got)
	}

	listed, _ := e.List(ctx)
	for _, rule := range listed {
		if !strings.HasPrefix(rule.Origin, constants.OriginPresetPrefix) {
			t.Fatalf("unexpected origin %q", rule.Origin)
		}
	}

	if _, _, err := e.LoadPreset(ctx, "yolo"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestPresets(t *testing.T) {
	presets, err := Presets()
	if err != nil {
		t.Fatalf("presets: %v", err)
	}
	if len(presets) != 3 {
		t.Fatalf("expected 3 presets, got %+v", presets)
	}
	for _, p := range presets {
		if p.Description == "" {
			t.Fatalf("preset %s has no description", p.Name)
		}
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "team.yaml")
	doc := "rules:\n  - tool: Bash\n    match: \"make *\"\n  - pattern: \"Bash(curl *)\"\n    action: deny\n    priority: 5\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	added, skipped, err := e.Import(ctx, path)
	if err != nil || added != 2 || skipped != 0 {
		t.Fatalf("import: added=%d skipped=%d err=%v", added, skipped, err)
	}
	listed, _ := e.List(ctx)
	if listed[0].Pattern != "Bash(curl *)" || listed[0].Origin != constants.OriginFile {
		t.Fatalf("unexpected first rule %+v", listed[0])
	}
}

func mustAdd(t *testing.T, e *Engine, pattern, action string, priority int) {
	t.Helper()
	if _, _, err := e.Add(context.Background(), pattern, action, priority, constants.OriginCLI); err != nil {
		t.Fatalf("add %s: %v", pattern, err)
	}
}
