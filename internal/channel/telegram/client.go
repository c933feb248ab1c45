package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/codex-k8s/afk-gate/internal/channel"
	"github.com/codex-k8s/afk-gate/internal/faults"
	"github.com/codex-k8s/afk-gate/internal/templates"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

const (
	maxMessageLen = 4000
	// closeReserve leaves room for the ellipsis and closing tags.
	closeReserve = 64
	maxEntityLen = 10
)

// Client talks to the Telegram Bot API.
type Client struct {
	// Token is the bot token.
	Token string
	// ChatID is the chat receiving notices.
	ChatID string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// HTTPClient is the transport; nil uses a client with Timeout.
	HTTPClient *http.Client
	// Timeout bounds each API call.
	Timeout time.Duration
	// Limiter throttles outbound calls; nil disables throttling.
	Limiter *rate.Limiter
	// Renderer formats notices and buttons.
	Renderer templates.Renderer
	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int
	// Backoff is the initial retry delay, doubled per attempt.
	Backoff time.Duration
	// Logger receives retry diagnostics.
	Logger *slog.Logger
}

var _ channel.Channel = (*Client)(nil)

// APIError is a non-OK Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func (e *APIError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendDecisionRequest posts a notice with its decision keyboard.
func (c *Client) SendDecisionRequest(ctx context.Context, notice channel.Notice) (int64, error) {
	payload := map[string]any{
		"chat_id":      c.ChatID,
		"text":         truncate(c.noticeText(notice)),
		"parse_mode":   "HTML",
		"reply_markup": c.keyboard(notice),
	}
	var msg message
	if err := c.call(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// UpdateDecisionRequest re-renders an open notice keeping its keyboard.
func (c *Client) UpdateDecisionRequest(ctx context.Context, messageID int64, notice channel.Notice) error {
	payload := map[string]any{
		"chat_id":      c.ChatID,
		"message_id":   messageID,
		"text":         truncate(c.noticeText(notice)),
		"parse_mode":   "HTML",
		"reply_markup": c.keyboard(notice),
	}
	return c.ignoreNotModified(c.call(ctx, "editMessageText", payload, nil))
}

// EditNotification replaces a notice with final text and removes the keyboard.
func (c *Client) EditNotification(ctx context.Context, messageID int64, text string) error {
	payload := map[string]any{
		"chat_id":      c.ChatID,
		"message_id":   messageID,
		"text":         truncate(text),
		"parse_mode":   "HTML",
		"reply_markup": inlineKeyboard{InlineKeyboard: [][]button{}},
	}
	return c.ignoreNotModified(c.call(ctx, "editMessageText", payload, nil))
}

// Updates fetches pending updates starting at offset without long polling.
func (c *Client) Updates(ctx context.Context, offset int64) ([]channel.Event, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         0,
		"allowed_updates": []string{"callback_query", "message"},
	}
	var updates []update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	events := make([]channel.Event, 0, len(updates))
	for _, u := range updates {
		events = append(events, c.toEvent(u))
	}
	return events, nil
}

// Ack answers a callback query; plain messages need no answer.
func (c *Client) Ack(ctx context.Context, ev channel.Event, text string) error {
	if !ev.IsCallback() {
		return nil
	}
	payload := map[string]any{
		"callback_query_id": ev.CallbackID,
		"text":              text,
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

func (c *Client) toEvent(u update) channel.Event {
	ev := channel.Event{UpdateID: u.UpdateID, SegmentIndex: -1, Choice: -1}
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		ev.CallbackID = cq.ID
		ev.Actor = cq.From.display()
		if cq.Message != nil {
			ev.MessageID = cq.Message.MessageID
		}
		cb, err := channel.ParseCallbackData(cq.Data)
		if err != nil {
			if c.Logger != nil {
				c.Logger.Warn("ignoring malformed callback", "data", cq.Data, "error", err)
			}
			return ev
		}
		ev.Action, ev.TargetID, ev.SegmentIndex, ev.Choice = cb.Action, cb.Target, cb.Index, cb.Choice
	case u.Message != nil:
		ev.MessageID = u.Message.MessageID
		if u.Message.Chat != nil && strconv.FormatInt(u.Message.Chat.ID, 10) != c.ChatID {
			// Text from other chats never reaches the decision flow.
			return ev
		}
		ev.Text = u.Message.Text
		if u.Message.From != nil {
			ev.Actor = u.Message.From.display()
		}
	}
	return ev
}

func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := c.Backoff
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return faults.Wrap(err, faults.CategoryNotificationChannel, false)
			}
		}
		retryAfter, err := c.do(ctx, method, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == attempts || ctx.Err() != nil {
			break
		}
		wait := delay
		if retryAfter > 0 {
			wait = time.Duration(retryAfter) * time.Second
		}
		if c.Logger != nil {
			c.Logger.Debug("telegram call retry", "method", method, "attempt", attempt, "wait", wait, "error", err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return faults.Wrap(ctx.Err(), faults.CategoryNotificationChannel, false)
		case <-timer.C:
		}
		delay *= 2
	}
	return faults.Wrap(lastErr, faults.CategoryNotificationChannel, isRetryable(lastErr))
}

func (c *Client) do(ctx context.Context, method string, body []byte, out any) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(request)
	if err != nil {
		return 0, &transportError{err: fmt.Errorf("telegram %s: %w", method, err)}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		if resp.StatusCode >= 500 {
			return 0, &APIError{Method: method, Code: resp.StatusCode, Description: strings.TrimSpace(string(data))}
		}
		return 0, fmt.Errorf("telegram %s: invalid response (status %d): %w", method, resp.StatusCode, err)
	}
	if !parsed.OK {
		apiErr := &APIError{Method: method, Code: parsed.ErrorCode, Description: parsed.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if parsed.Parameters != nil {
			apiErr.RetryAfter = parsed.Parameters.RetryAfter
		}
		return apiErr.RetryAfter, apiErr
	}
	if out != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return 0, fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return 0, nil
}

func (c *Client) endpoint(method string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return base + "/bot" + c.Token + "/" + method
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// ignoreNotModified treats "message is not modified" as success.
func (c *Client) ignoreNotModified(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.retryable()
	}
	var tErr *transportError
	return errors.As(err, &tErr)
}

// truncate cuts HTML text to the message limit at a rune boundary outside
// any tag or entity, then closes the tags left open.
func truncate(text string) string {
	if len(text) <= maxMessageLen {
		return text
	}
	limit := maxMessageLen - closeReserve
	var (
		open     []string
		safe     int
		safeOpen []string
	)
	for i := 0; i < len(text) && i <= limit; {
		if utf8Start(text[i]) {
			safe = i
			safeOpen = append(safeOpen[:0], open...)
		}
		switch text[i] {
		case '<':
			end := strings.IndexByte(text[i:], '>')
			if end < 0 {
				i = len(text)
				continue
			}
			tag := text[i+1 : i+end]
			if name, ok := strings.CutPrefix(tag, "/"); ok {
				if n := len(open); n > 0 && open[n-1] == name {
					open = open[:n-1]
				}
			} else if name := strings.Fields(tag); len(name) > 0 && !strings.HasSuffix(tag, "/") {
				open = append(open, name[0])
			}
			i += end + 1
		case '&':
			end := strings.IndexByte(text[i:], ';')
			if end < 0 || end > maxEntityLen {
				i++
				continue
			}
			i += end + 1
		default:
			i++
		}
	}

	var out strings.Builder
	out.WriteString(text[:safe])
	out.WriteString("…")
	for k := len(safeOpen) - 1; k >= 0; k-- {
		out.WriteString("</" + safeOpen[k] + ">")
	}
	return out.String()
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	From      *user  `json:"from"`
	Chat      *chat  `json:"chat"`
}

type chat struct {
	ID int64 `json:"id"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	From    user     `json:"from"`
	Message *message `json:"message"`
	Data    string   `json:"data"`
}

type user struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

func (u user) display() string {
	switch {
	case u.Username != "":
		return "@" + u.Username
	case u.FirstName != "":
		return u.FirstName
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}
