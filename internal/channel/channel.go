package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Notice is the content of a decision request shown to the human.
type Notice struct {
	RequestID   string
	SessionID   string
	ProjectPath string
	ToolName    string
	// ToolCall is the argument part of the canonical call (command, path, url).
	ToolCall    string
	Description string
	// Segments holds chain segments; empty for single calls.
	Segments []string
	// Approved lists approved segment indices.
	Approved []int
	// Patterns lists rule candidates offered instead of the decision buttons.
	Patterns []string
	// PatternStep is the chain step Patterns were derived from, or -1.
	PatternStep int
	// AwaitingReason marks a notice waiting for a typed denial reason.
	AwaitingReason bool
	// Prompt is a localized instruction shown under the request.
	Prompt string
}

// IsChain reports whether the notice carries step-by-step segments.
func (n Notice) IsChain() bool {
	return len(n.Segments) > 1
}

// Event is one inbound update from the channel.
type Event struct {
	// UpdateID orders events; the next offset is UpdateID+1.
	UpdateID int64
	// CallbackID identifies a button press to acknowledge; empty for plain messages.
	CallbackID string
	// MessageID is the notification the button belongs to.
	MessageID int64
	Action    string
	TargetID  string
	// SegmentIndex is the chain step, or -1 when absent.
	SegmentIndex int
	// Choice is the picked option of a pattern menu, or -1 when absent.
	Choice int
	// Actor names the human who pressed the button.
	Actor string
	// Text carries plain message text.
	Text string
}

// IsCallback reports whether the event is a button press.
func (e Event) IsCallback() bool {
	return e.CallbackID != ""
}

// Channel is the human decision channel.
type Channel interface {
	// SendDecisionRequest posts a notice and returns its message id.
	SendDecisionRequest(ctx context.Context, notice Notice) (int64, error)
	// UpdateDecisionRequest re-renders an open notice, e.g. chain progress.
	UpdateDecisionRequest(ctx context.Context, messageID int64, notice Notice) error
	// EditNotification replaces a notice with final text and drops its buttons.
	EditNotification(ctx context.Context, messageID int64, text string) error
	// Updates returns available events with UpdateID >= offset without blocking.
	Updates(ctx context.Context, offset int64) ([]Event, error)
	// Ack answers a button press.
	Ack(ctx context.Context, event Event, text string) error
}

// Callback is a decoded button payload.
type Callback struct {
	Action string
	Target string
	// Index is the chain step, or -1.
	Index int
	// Choice is the picked pattern, or -1.
	Choice int
}

// CallbackData encodes a button payload as action:target[:index].
func CallbackData(action, target string, index int) string {
	return Callback{Action: action, Target: target, Index: index, Choice: -1}.Data()
}

// ChoiceData encodes a pattern menu button as action:target:[index]:choice.
func ChoiceData(action, target string, index, choice int) string {
	return Callback{Action: action, Target: target, Index: index, Choice: choice}.Data()
}

// Data encodes c. An absent index before a choice is left empty.
func (c Callback) Data() string {
	out := c.Action + ":" + c.Target
	switch {
	case c.Choice >= 0 && c.Index >= 0:
		return out + ":" + strconv.Itoa(c.Index) + ":" + strconv.Itoa(c.Choice)
	case c.Choice >= 0:
		return out + "::" + strconv.Itoa(c.Choice)
	case c.Index >= 0:
		return out + ":" + strconv.Itoa(c.Index)
	default:
		return out
	}
}

// ParseCallbackData decodes a button payload. Absent numbers are -1.
func ParseCallbackData(data string) (Callback, error) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
		return Callback{}, fmt.Errorf("malformed callback data %q", data)
	}
	cb := Callback{Action: parts[0], Target: parts[1], Index: -1, Choice: -1}
	if len(parts) >= 3 && (parts[2] != "" || len(parts) == 3) {
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return Callback{}, fmt.Errorf("malformed callback index in %q", data)
		}
		cb.Index = n
	}
	if len(parts) == 4 {
		n, err := strconv.Atoi(parts[3])
		if err != nil || n < 0 {
			return Callback{}, fmt.Errorf("malformed callback choice in %q", data)
		}
		cb.Choice = n
	}
	return cb, nil
}
