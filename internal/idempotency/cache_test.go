package idempotency

import (
	"testing"
	"time"

	"github.com/codex-k8s/afk-gate/internal/protocol"
)

var allow = protocol.PromptResult{Behavior: protocol.DecisionAllow}

func TestKeyBindsSessionAndCall(t *testing.T) {
	base := Key("s1", "tu-1", "Bash", `{"command":"ls"}`)
	if base == "" || len(base) != 64 {
		t.Fatalf("unexpected key %q", base)
	}
	if Key("s1", "tu-1", "Bash", `{"command":"ls"}`) != base {
		t.Fatal("key must be stable")
	}
	for _, other := range []string{
		Key("s2", "tu-1", "Bash", `{"command":"ls"}`),
		Key("s1", "tu-2", "Bash", `{"command":"ls"}`),
		Key("s1", "tu-1", "Bash", `{"command":"rm -rf /"}`),
		Key("s1", "tu-1", "Read", `{"command":"ls"}`),
		Key("s1tu-1", "", "Bash", `{"command":"ls"}`),
	} {
		if other == base {
			t.Fatalf("distinct prompts share key %q", base)
		}
	}
	if Key("s1", "", "Bash", `{"command":"ls"}`) != "" {
		t.Fatal("a prompt without tool_use_id must have no key")
	}
}

func TestPromptCacheExpires(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewPromptCache(time.Minute, 10)
	c.now = func() time.Time { return now }

	c.Remember("a", allow)
	if got, ok := c.Lookup("a"); !ok || got.Behavior != protocol.DecisionAllow {
		t.Fatalf("lookup = %+v %v", got, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Lookup("a"); ok {
		t.Fatal("expected expiry")
	}
	if c.Len() != 0 {
		t.Fatal("expired answer must be dropped on read")
	}
}

func TestPromptCacheSweepsExpiredOnRemember(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewPromptCache(time.Minute, 10)
	c.now = func() time.Time { return now }

	c.Remember("old-1", allow)
	c.Remember("old-2", allow)
	now = now.Add(2 * time.Minute)
	c.Remember("new", allow)
	if c.Len() != 1 {
		t.Fatalf("len = %d, want only the fresh answer", c.Len())
	}
}

func TestPromptCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewPromptCache(time.Hour, 2)
	c.Remember("a", allow)
	c.Remember("b", allow)
	c.Lookup("a")
	c.Remember("c", allow)

	if _, ok := c.Lookup("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := c.Lookup("a"); !ok {
		t.Fatal("a should survive")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestPromptCacheIgnoresEmptyKeyAndNil(t *testing.T) {
	c := NewPromptCache(0, 0)
	c.Remember("", allow)
	if _, ok := c.Lookup(""); ok || c.Len() != 0 {
		t.Fatal("empty key must not be stored")
	}
	var none *PromptCache
	none.Remember("a", allow)
	if _, ok := none.Lookup("a"); ok {
		t.Fatal("nil cache must miss")
	}
}
