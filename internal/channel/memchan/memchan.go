package memchan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codex-k8s/afk-gate/internal/channel"
)

// ErrSendFailed is returned by sends armed with FailSends.
var ErrSendFailed = errors.New("memchan: send failed")

// Edit records an EditNotification or UpdateDecisionRequest call.
type Edit struct {
	MessageID int64
	Text      string
	Notice    *channel.Notice
}

// Ack records an Ack call.
type Ack struct {
	Event channel.Event
	Text  string
}

// Channel is an in-memory channel.Channel for tests and dry runs.
type Channel struct {
	mu          sync.Mutex
	nextMessage int64
	nextUpdate  int64
	failSends   int
	sent        []channel.Notice
	edits       []Edit
	acks        []Ack
	events      []channel.Event
	updateCalls int
	// OnUpdates runs at the start of every Updates call, without the lock held.
	OnUpdates func(offset int64)
}

var _ channel.Channel = (*Channel)(nil)

// New returns an empty Channel.
func New() *Channel {
	return &Channel{nextMessage: 100, nextUpdate: 1}
}

// FailSends makes the next n sends fail.
func (c *Channel) FailSends(n int) {
	c.mu.Lock()
	c.failSends = n
	c.mu.Unlock()
}

// Push queues an event. A zero UpdateID is assigned automatically.
func (c *Channel) Push(ev channel.Event) channel.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.UpdateID == 0 {
		ev.UpdateID = c.nextUpdate
	}
	if ev.UpdateID >= c.nextUpdate {
		c.nextUpdate = ev.UpdateID + 1
	}
	c.events = append(c.events, ev)
	return ev
}

// Press queues a button press for target.
func (c *Channel) Press(action, target string, index int) channel.Event {
	return c.Choose(action, target, index, -1)
}

// Choose queues a press of a pattern menu button.
func (c *Channel) Choose(action, target string, index, choice int) channel.Event {
	c.mu.Lock()
	id := c.nextUpdate
	c.mu.Unlock()
	return c.Push(channel.Event{
		UpdateID:     id,
		CallbackID:   fmt.Sprintf("cb-%d", id),
		Action:       action,
		TargetID:     target,
		SegmentIndex: index,
		Choice:       choice,
		Actor:        "tester",
	})
}

// Say queues a plain text message from actor.
func (c *Channel) Say(actor, text string) channel.Event {
	return c.Push(channel.Event{SegmentIndex: -1, Choice: -1, Actor: actor, Text: text})
}

// SendDecisionRequest records the notice.
func (c *Channel) SendDecisionRequest(ctx context.Context, notice channel.Notice) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends > 0 {
		c.failSends--
		return 0, ErrSendFailed
	}
	c.nextMessage++
	c.sent = append(c.sent, notice)
	return c.nextMessage, nil
}

// UpdateDecisionRequest records the re-rendered notice.
func (c *Channel) UpdateDecisionRequest(_ context.Context, messageID int64, notice channel.Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, Edit{MessageID: messageID, Notice: &notice})
	return nil
}

// EditNotification records the final text.
func (c *Channel) EditNotification(_ context.Context, messageID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, Edit{MessageID: messageID, Text: text})
	return nil
}

// Updates returns queued events with UpdateID >= offset.
func (c *Channel) Updates(ctx context.Context, offset int64) ([]channel.Event, error) {
	if c.OnUpdates != nil {
		c.OnUpdates(offset)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateCalls++
	var out []channel.Event
	for _, ev := range c.events {
		if ev.UpdateID >= offset {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Ack records the acknowledgement.
func (c *Channel) Ack(_ context.Context, ev channel.Event, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, Ack{Event: ev, Text: text})
	return nil
}

// Sent returns a copy of the recorded notices.
func (c *Channel) Sent() []channel.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channel.Notice(nil), c.sent...)
}

// Edits returns a copy of the recorded edits.
func (c *Channel) Edits() []Edit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Edit(nil), c.edits...)
}

// Acks returns a copy of the recorded acknowledgements.
func (c *Channel) Acks() []Ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Ack(nil), c.acks...)
}

// UpdateCalls returns how many times Updates was called.
func (c *Channel) UpdateCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateCalls
}
