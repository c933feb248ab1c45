package render

import (
	"strings"
	"testing"
)

func TestRulesPlainPassthrough(t *testing.T) {
	raw := []byte("rules:\n  - pattern: \"Bash(git *)\"\n")
	out, err := Rules("plain.yaml", raw)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if string(out) != string(raw) {
		t.Fatalf("out = %q", out)
	}
}

func TestRulesExpandsEnv(t *testing.T) {
	t.Setenv("AFK_TEST_ROOT", "/srv/app")
	raw := []byte(`rules:
  - pattern: "Read({{ env "AFK_TEST_ROOT" }}/*)"
  - pattern: "Write({{ envOr "AFK_TEST_UNSET" "/tmp" }}/*)"
`)
	out, err := Rules("env.yaml", raw)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(out), "Read(/srv/app/*)") || !strings.Contains(string(out), "Write(/tmp/*)") {
		t.Fatalf("out = %q", out)
	}
}

func TestRulesReportsMissingEnv(t *testing.T) {
	_, err := Rules("missing.yaml", []byte(`- pattern: "Read({{ env "AFK_TEST_NOPE_B" }}{{ env "AFK_TEST_NOPE_A" }})"`))
	if err == nil || !strings.Contains(err.Error(), "AFK_TEST_NOPE_A, AFK_TEST_NOPE_B") {
		t.Fatalf("err = %v", err)
	}
}
