package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codex-k8s/afk-gate/internal/audit"
	"github.com/codex-k8s/afk-gate/internal/channel"
	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/faults"
	"github.com/codex-k8s/afk-gate/internal/rules"
	"github.com/codex-k8s/afk-gate/internal/security"
	"github.com/codex-k8s/afk-gate/internal/store"
	"github.com/codex-k8s/afk-gate/internal/templates"
	"github.com/codex-k8s/afk-gate/internal/timeutil"
)

// Defaults applied by New.
const (
	DefaultTimeout        = time.Hour
	DefaultPollInterval   = time.Second
	DefaultNotifyAttempts = 3
	DefaultNotifyBackoff  = 500 * time.Millisecond
)

// Call is one intercepted tool invocation.
type Call struct {
	SessionID   string
	ToolName    string
	ToolInput   string
	Context     string
	Description string
	ProjectPath string
}

// Decision is the final answer for a call.
type Decision struct {
	// Action is approve or deny.
	Action string
	// Reason explains a denial.
	Reason string
	// RequestID is empty for rule decisions made without a stored request.
	RequestID string
	// ResolvedBy names who decided: rule, user:<name>, timeout.
	ResolvedBy string
}

// Approved reports whether the call may proceed.
func (d Decision) Approved() bool {
	return d.Action == constants.ActionApprove
}

// Store is the persistence used by the gateway.
type Store interface {
	UpsertSession(ctx context.Context, sessionID, projectPath string) error
	CreateRequest(ctx context.Context, in store.NewRequest) (*store.Request, bool, error)
	GetRequest(ctx context.Context, id string) (*store.Request, error)
	SetNotificationID(ctx context.Context, id string, notificationID int64) error
	CreateChain(ctx context.Context, requestID string, segments []string, approved []int) (*store.ChainState, error)
}

// Evaluator decides calls from stored rules.
type Evaluator interface {
	Judge(ctx context.Context, tool, input string) (rules.Verdict, error)
}

// Resolver finalizes requests; lifecycle.Manager implements it.
type Resolver interface {
	Resolve(ctx context.Context, id, status, resolvedBy, reason string) (bool, error)
}

// Poller consumes channel updates while this process leads.
type Poller interface {
	Attach()
	TryBecomeLeader() bool
	DrainOnce(ctx context.Context) (int, error)
	Finish(ctx context.Context) error
}

// Options configures a Gateway.
type Options struct {
	Store    Store
	Rules    Evaluator
	Channel  channel.Channel
	Resolver Resolver
	Poller   Poller
	Audit    audit.Logger
	Renderer templates.Renderer
	Logger   *slog.Logger
	Clock    timeutil.Clock

	// Timeout bounds the wait for a human decision.
	Timeout time.Duration
	// TimeoutAction is applied on expiry: approve or deny.
	TimeoutAction string
	// PollInterval is the pause between store checks.
	PollInterval time.Duration
	// NotifyAttempts bounds notification sends.
	NotifyAttempts int
	// NotifyBackoff is the first retry delay, doubled per attempt.
	NotifyBackoff time.Duration
}

// Gateway runs the per-call approval pipeline.
type Gateway struct {
	opts Options
}

// New builds a Gateway, filling defaults.
func New(opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = timeutil.SystemClock{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.NotifyAttempts <= 0 {
		opts.NotifyAttempts = DefaultNotifyAttempts
	}
	if opts.NotifyBackoff <= 0 {
		opts.NotifyBackoff = DefaultNotifyBackoff
	}
	if opts.TimeoutAction != constants.ActionApprove {
		opts.TimeoutAction = constants.ActionDeny
	}
	return &Gateway{opts: opts}
}

// RequestApproval decides a call: by rules when they settle it, otherwise by
// a human through the channel, falling back to the timeout action.
func (g *Gateway) RequestApproval(ctx context.Context, call Call) (Decision, error) {
	if strings.TrimSpace(call.SessionID) == "" || strings.TrimSpace(call.ToolName) == "" {
		return Decision{}, faults.Wrap(errors.New("session_id and tool_name are required"), faults.CategoryInvalidInput, false)
	}
	if err := g.opts.Store.UpsertSession(ctx, call.SessionID, call.ProjectPath); err != nil {
		return Decision{}, faults.Wrap(err, faults.CategoryStoreUnavailable, true)
	}

	input := g.canonical(call.ToolName, call.ToolInput)
	g.record(ctx, audit.Event{
		Kind:      constants.AuditToolCall,
		SessionID: call.SessionID,
		Tool:      call.ToolName,
		Detail:    map[string]any{"input": security.RedactToolInput(input)},
	})

	verdict, err := g.judge(ctx, call.ToolName, input)
	if err != nil {
		return Decision{}, err
	}
	if verdict.Action != constants.ActionNone {
		g.record(ctx, audit.Event{
			Kind:      constants.AuditAutoResponse,
			SessionID: call.SessionID,
			Tool:      call.ToolName,
			Decision:  verdict.Action,
		})
		g.logInfo("decided by rule", "session_id", call.SessionID, "tool", call.ToolName, "action", verdict.Action)
		d := Decision{Action: verdict.Action, ResolvedBy: constants.ResolvedByRule}
		if verdict.Action == constants.ActionDeny {
			d.Reason = "denied by rule"
		}
		return d, nil
	}

	req, created, err := g.opts.Store.CreateRequest(ctx, store.NewRequest{
		SessionID:   call.SessionID,
		ToolName:    call.ToolName,
		ToolInput:   input,
		Context:     call.Context,
		Description: call.Description,
		Deadline:    g.opts.Clock.Now().Add(g.opts.Timeout),
	})
	if err != nil {
		return Decision{}, faults.Wrap(err, faults.CategoryStoreUnavailable, true)
	}

	if created {
		g.record(ctx, audit.Event{Kind: constants.AuditRequest, SessionID: call.SessionID, RequestID: req.ID, Tool: call.ToolName})
		approved := verdict.Approved
		if verdict.IsChain() {
			state, err := g.opts.Store.CreateChain(ctx, req.ID, verdict.Segments, verdict.Approved)
			if err != nil {
				return Decision{}, faults.Wrap(err, faults.CategoryStoreUnavailable, true)
			}
			approved = state.Approved
		}
		g.notify(ctx, req, call, verdict.Segments, approved)
	} else {
		g.record(ctx, audit.Event{Kind: constants.AuditDedup, SessionID: call.SessionID, RequestID: req.ID, Tool: call.ToolName})
		g.logDebug("joined pending request", "request_id", req.ID)
	}

	return g.await(ctx, req)
}

// notify sends the decision request, retrying with backoff. A failure leaves
// the request pending so the timeout still settles it.
func (g *Gateway) notify(ctx context.Context, req *store.Request, call Call, segments []string, approved []int) {
	if g.opts.Channel == nil {
		return
	}
	notice := channel.Notice{
		RequestID:   req.ID,
		SessionID:   req.SessionID,
		ProjectPath: call.ProjectPath,
		ToolName:    req.ToolName,
		ToolCall:    security.RedactCommand(argument(req.ToolInput)),
		Description: req.Description,
		Approved:    approved,
	}
	if len(segments) > 1 {
		notice.Segments = make([]string, len(segments))
		for i, s := range segments {
			notice.Segments[i] = security.RedactCommand(s)
		}
	}

	delay := g.opts.NotifyBackoff
	var lastErr error
	for attempt := 1; attempt <= g.opts.NotifyAttempts; attempt++ {
		msgID, err := g.opts.Channel.SendDecisionRequest(ctx, notice)
		if err == nil {
			if err := g.opts.Store.SetNotificationID(ctx, req.ID, msgID); err != nil {
				g.logWarn("store notification id failed", "request_id", req.ID, "error", err)
			}
			return
		}
		lastErr = err
		g.logWarn("send notification failed", "request_id", req.ID, "attempt", attempt, "error", err)
		if attempt == g.opts.NotifyAttempts {
			break
		}
		if err := g.opts.Clock.Sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay *= 2
	}
	g.record(ctx, audit.Event{
		Kind:      constants.AuditNotificationError,
		SessionID: req.SessionID,
		RequestID: req.ID,
		Tool:      req.ToolName,
		Reason:    fmt.Sprint(lastErr),
	})
}

// await polls the store until the request is terminal, draining the channel
// whenever this process holds the poll lock. On expiry the timeout action is
// applied and the stored outcome is returned, so a racing human decision wins.
func (g *Gateway) await(ctx context.Context, req *store.Request) (Decision, error) {
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = g.opts.Clock.Now().Add(g.opts.Timeout)
	}
	if g.opts.Poller != nil {
		g.opts.Poller.Attach()
		defer func() {
			if err := g.opts.Poller.Finish(context.WithoutCancel(ctx)); err != nil {
				g.logWarn("poller finish failed", "error", err)
			}
		}()
	}

	current := req
	for {
		if g.opts.Poller != nil && g.opts.Poller.TryBecomeLeader() {
			if _, err := g.opts.Poller.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				g.logWarn("drain failed", "error", err)
			}
		}

		latest, err := g.opts.Store.GetRequest(ctx, current.ID)
		if err != nil {
			return Decision{}, faults.Wrap(err, faults.CategoryStoreUnavailable, true)
		}
		current = latest
		if !current.Pending() {
			return decisionOf(current), nil
		}

		if !g.opts.Clock.Now().Before(deadline) {
			return g.expire(ctx, current)
		}
		if err := g.opts.Clock.Sleep(ctx, g.opts.PollInterval); err != nil {
			return Decision{}, err
		}
	}
}

func (g *Gateway) expire(ctx context.Context, req *store.Request) (Decision, error) {
	status := constants.StatusFor(g.opts.TimeoutAction)
	reason := ""
	if status == constants.StatusDenied {
		reason = templates.Text(g.opts.Renderer, templates.KeyTimeoutReason,
			templates.ButtonView{Timeout: g.opts.Timeout.String()},
			"No response within "+g.opts.Timeout.String())
	}

	var (
		changed bool
		err     error
	)
	if g.opts.Resolver != nil {
		changed, err = g.opts.Resolver.Resolve(ctx, req.ID, status, constants.ResolvedByTimeout, reason)
	}
	if err != nil {
		return Decision{}, faults.Wrap(err, faults.CategoryStoreUnavailable, true)
	}
	if changed {
		g.record(ctx, audit.Event{
			Kind:      constants.AuditTimeout,
			SessionID: req.SessionID,
			RequestID: req.ID,
			Tool:      req.ToolName,
			Decision:  g.opts.TimeoutAction,
			Reason:    reason,
		})
	}

	final, err := g.opts.Store.GetRequest(ctx, req.ID)
	if err != nil {
		return Decision{}, faults.Wrap(err, faults.CategoryStoreUnavailable, true)
	}
	if final.Pending() {
		return Decision{}, fmt.Errorf("request %s still pending after timeout", req.ID)
	}
	return decisionOf(final), nil
}

func decisionOf(req *store.Request) Decision {
	return Decision{
		Action:     constants.ActionFor(req.Status),
		Reason:     req.DenialReason,
		RequestID:  req.ID,
		ResolvedBy: req.ResolvedBy,
	}
}

func (g *Gateway) record(ctx context.Context, ev audit.Event) {
	if g.opts.Audit != nil {
		g.opts.Audit.Record(ctx, ev)
	}
}

func (g *Gateway) logInfo(msg string, args ...any) {
	if g.opts.Logger != nil {
		g.opts.Logger.Info(msg, args...)
	}
}

func (g *Gateway) logWarn(msg string, args ...any) {
	if g.opts.Logger != nil {
		g.opts.Logger.Warn(msg, args...)
	}
}

func (g *Gateway) logDebug(msg string, args ...any) {
	if g.opts.Logger != nil {
		g.opts.Logger.Debug(msg, args...)
	}
}
