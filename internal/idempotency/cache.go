package idempotency

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/codex-k8s/afk-gate/internal/protocol"
)

const (
	defaultTTL        = 10 * time.Minute
	defaultMaxEntries = 1024
)

// Key identifies one permission prompt: the session, the agent's tool_use_id
// and a digest of the canonical call. A prompt without a tool_use_id has no
// key, so a fresh call is never answered from an older decision.
func Key(sessionID, toolUseID, toolName, canonicalInput string) string {
	if toolUseID == "" {
		return ""
	}
	h := sha256.New()
	for _, part := range []string{sessionID, toolUseID, toolName, canonicalInput} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PromptCache remembers prompt answers so that a retried prompt gets the
// decision already taken instead of a second notification.
type PromptCache struct {
	mu         sync.Mutex
	byKey      map[string]*list.Element
	recent     *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

type answer struct {
	key     string
	result  protocol.PromptResult
	expires time.Time
}

// NewPromptCache returns a cache keeping answers for ttl, at most maxEntries.
func NewPromptCache(ttl time.Duration, maxEntries int) *PromptCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &PromptCache{
		byKey:      make(map[string]*list.Element),
		recent:     list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Lookup returns the live answer stored under key.
func (c *PromptCache) Lookup(key string) (protocol.PromptResult, bool) {
	if c == nil || key == "" {
		return protocol.PromptResult{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[key]
	if !ok {
		return protocol.PromptResult{}, false
	}
	a := elem.Value.(*answer)
	if c.now().After(a.expires) {
		c.drop(elem)
		return protocol.PromptResult{}, false
	}
	c.recent.MoveToFront(elem)
	return a.result, true
}

// Remember stores result under key. Expired answers are swept first, then
// the least recently used ones beyond the bound.
func (c *PromptCache) Remember(key string, result protocol.PromptResult) {
	if c == nil || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.byKey[key]; ok {
		a := elem.Value.(*answer)
		a.result, a.expires = result, now.Add(c.ttl)
		c.recent.MoveToFront(elem)
		return
	}
	c.byKey[key] = c.recent.PushFront(&answer{key: key, result: result, expires: now.Add(c.ttl)})

	for elem := c.recent.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*answer).expires) {
			c.drop(elem)
		}
		elem = prev
	}
	for len(c.byKey) > c.maxEntries {
		c.drop(c.recent.Back())
	}
}

// Len returns the number of stored answers, expired ones included.
func (c *PromptCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

func (c *PromptCache) drop(elem *list.Element) {
	delete(c.byKey, elem.Value.(*answer).key)
	c.recent.Remove(elem)
}
