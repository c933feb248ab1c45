package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codex-k8s/afk-gate/internal/audit"
	"github.com/codex-k8s/afk-gate/internal/channel"
	"github.com/codex-k8s/afk-gate/internal/command"
	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/faults"
	"github.com/codex-k8s/afk-gate/internal/rules"
	"github.com/codex-k8s/afk-gate/internal/security"
	"github.com/codex-k8s/afk-gate/internal/store"
	"github.com/codex-k8s/afk-gate/internal/templates"
)

// DefaultMaxChainRetries bounds optimistic retries of one chain step.
const DefaultMaxChainRetries = 5

const (
	// maxRulePatterns bounds the pattern menu.
	maxRulePatterns = 6
	// maxReasonLen bounds a typed denial reason in runes.
	maxReasonLen = 500
)

// Store is the persistence needed by the lifecycle.
type Store interface {
	GetRequest(ctx context.Context, id string) (*store.Request, error)
	ResolveRequest(ctx context.Context, id, status, resolvedBy, reason string) (bool, error)
	PendingBySessionTool(ctx context.Context, sessionID, toolName string) ([]store.Request, error)
	PendingRequests(ctx context.Context) ([]store.Request, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	CreateChain(ctx context.Context, requestID string, segments []string, approved []int) (*store.ChainState, error)
	GetChain(ctx context.Context, requestID string) (*store.ChainState, error)
	UpdateChain(ctx context.Context, requestID string, approved []int, expected int64) (int64, error)
	DeleteChain(ctx context.Context, requestID string) error
	AwaitFeedback(ctx context.Context, actor, requestID string) error
	TakeFeedback(ctx context.Context, actor string) (string, error)
	DropFeedback(ctx context.Context, requestID string) error
}

// Rules stores rules created from the decision channel and re-judges
// pending calls against them.
type Rules interface {
	Add(ctx context.Context, pattern, action string, priority int, origin string) (int64, bool, error)
	Judge(ctx context.Context, tool, input string) (rules.Verdict, error)
}

// Handler processes one channel event and returns the acknowledgement text.
type Handler func(ctx context.Context, m *Manager, ev channel.Event) (string, error)

// Options configures a Manager.
type Options struct {
	Store           Store
	Channel         channel.Channel
	Rules           Rules
	Audit           audit.Logger
	Renderer        templates.Renderer
	Logger          *slog.Logger
	MaxChainRetries int
}

// Manager owns request resolution and chain step state.
type Manager struct {
	store      Store
	channel    channel.Channel
	rules      Rules
	audit      audit.Logger
	renderer   templates.Renderer
	logger     *slog.Logger
	maxRetries int
	handlers   map[string]Handler
}

// New builds a Manager with the default action handlers registered.
func New(opts Options) *Manager {
	m := &Manager{
		store:      opts.Store,
		channel:    opts.Channel,
		rules:      opts.Rules,
		audit:      opts.Audit,
		renderer:   opts.Renderer,
		logger:     opts.Logger,
		maxRetries: opts.MaxChainRetries,
		handlers:   make(map[string]Handler),
	}
	if m.maxRetries <= 0 {
		m.maxRetries = DefaultMaxChainRetries
	}
	for action, h := range defaultHandlers {
		m.handlers[action] = h
	}
	return m
}

// Register installs or replaces the handler of an action.
func (m *Manager) Register(action string, h Handler) {
	m.handlers[action] = h
}

// Dispatch routes a channel event to its action handler and returns the
// acknowledgement text. Events without a handler are answered as unknown.
// A plain message is taken as the denial reason its author owes, if any.
func (m *Manager) Dispatch(ctx context.Context, ev channel.Event) (string, error) {
	if !ev.IsCallback() {
		return "", m.Feedback(ctx, ev.Actor, ev.Text)
	}
	h, ok := m.handlers[ev.Action]
	if !ok {
		m.logDebug("unknown callback action", "action", ev.Action, "target", ev.TargetID)
		return m.text(templates.KeyAckUnknownAction, nil, "Unknown action"), nil
	}
	ack, err := h(ctx, m, ev)
	if errors.Is(err, store.ErrNotFound) {
		return m.text(templates.KeyAckNotFound, nil, "Request not found"), nil
	}
	if err != nil {
		return m.text(templates.KeyAckRetry, nil, "Busy, please retry"), err
	}
	return ack, nil
}

// Resolve moves a pending request to status. A second resolution is a no-op
// reporting changed=false. On change the chain state is dropped and the
// notification is replaced with the outcome.
func (m *Manager) Resolve(ctx context.Context, id, status, resolvedBy, reason string) (bool, error) {
	changed, err := m.store.ResolveRequest(ctx, id, status, resolvedBy, reason)
	if err != nil || !changed {
		return changed, err
	}

	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return true, err
	}
	if err := m.store.DeleteChain(ctx, id); err != nil {
		m.logWarn("drop chain state failed", "request_id", id, "error", err)
	}
	if err := m.store.DropFeedback(ctx, id); err != nil {
		m.logWarn("drop feedback wait failed", "request_id", id, "error", err)
	}
	m.record(ctx, audit.Event{
		Kind:      constants.AuditResponse,
		SessionID: req.SessionID,
		RequestID: id,
		Tool:      req.ToolName,
		Decision:  constants.ActionFor(status),
		Reason:    reason,
		Detail:    map[string]any{"resolved_by": resolvedBy},
	})
	m.finishNotice(ctx, req)
	return true, nil
}

// StepApprove approves one chain segment. It reports whether the whole chain
// is now approved (and the request resolved).
func (m *Manager) StepApprove(ctx context.Context, id string, idx int, actor string) (bool, error) {
	return m.updateChain(ctx, id, actor, func(state *store.ChainState) ([]int, error) {
		if idx < 0 || idx >= len(state.Segments) {
			return nil, faults.Wrap(fmt.Errorf("segment %d out of range for request %s", idx, id), faults.CategoryInvalidInput, false)
		}
		return state.WithApproved(idx), nil
	})
}

// ApproveEntire approves every remaining segment of a chain at once.
func (m *Manager) ApproveEntire(ctx context.Context, id, actor string) (bool, error) {
	return m.updateChain(ctx, id, actor, func(state *store.ChainState) ([]int, error) {
		all := make([]int, len(state.Segments))
		for i := range all {
			all[i] = i
		}
		return all, nil
	})
}

// StepDeny rejects a chain; the request is denied as a whole.
func (m *Manager) StepDeny(ctx context.Context, id, resolvedBy, reason string) (bool, error) {
	return m.Resolve(ctx, id, constants.StatusDenied, resolvedBy, reason)
}

func (m *Manager) updateChain(ctx context.Context, id, actor string, next func(*store.ChainState) ([]int, error)) (bool, error) {
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		req, err := m.store.GetRequest(ctx, id)
		if err != nil {
			return false, err
		}
		if !req.Pending() {
			return req.Status == constants.StatusApproved, nil
		}

		state, err := m.chainFor(ctx, req)
		if err != nil {
			return false, err
		}
		approved, err := next(state)
		if err != nil {
			return false, err
		}

		version, err := m.store.UpdateChain(ctx, id, approved, state.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			m.logDebug("chain version conflict", "request_id", id, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			// Dropped by a concurrent resolution; re-read the request.
			continue
		}
		if err != nil {
			return false, err
		}

		updated := &store.ChainState{RequestID: id, Segments: state.Segments, Approved: approved, Version: version}
		m.record(ctx, audit.Event{
			Kind:      constants.AuditChainStep,
			SessionID: req.SessionID,
			RequestID: id,
			Tool:      req.ToolName,
			Detail:    map[string]any{"approved": approved, "version": version, "actor": actor},
		})
		if updated.Complete() {
			if _, err := m.Resolve(ctx, id, constants.StatusApproved, constants.ResolvedByChainAll, ""); err != nil {
				return false, err
			}
			return true, nil
		}
		m.refreshNotice(ctx, req, updated)
		return false, nil
	}
	return false, faults.Wrap(
		fmt.Errorf("chain %s: %w after %d attempts", id, store.ErrVersionConflict, m.maxRetries),
		faults.CategoryOptimisticConflict, true,
	)
}

// chainFor loads the chain row, creating it from the request command when a
// notification was answered before the row existed.
func (m *Manager) chainFor(ctx context.Context, req *store.Request) (*store.ChainState, error) {
	state, err := m.store.GetChain(ctx, req.ID)
	if !errors.Is(err, store.ErrNotFound) {
		return state, err
	}
	segments := command.SplitChain(rules.Argument(req.ToolInput))
	if len(segments) == 0 {
		segments = []string{rules.Argument(req.ToolInput)}
	}
	return m.store.CreateChain(ctx, req.ID, segments, nil)
}

// ApproveAll resolves every pending request of the same session and tool as
// id. For non-shell tools an approve rule "Tool(*)" is stored as well.
func (m *Manager) ApproveAll(ctx context.Context, id, actor string) (int, error) {
	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return 0, err
	}
	pending, err := m.store.PendingBySessionTool(ctx, req.SessionID, req.ToolName)
	if err != nil {
		return 0, err
	}
	if req.ToolName != constants.ToolBash && m.rules != nil {
		pattern := req.ToolName + "(*)"
		if _, created, err := m.rules.Add(ctx, pattern, constants.ActionApprove, 0, constants.OriginTelegram); err != nil {
			return 0, err
		} else if created {
			m.record(ctx, audit.Event{Kind: constants.AuditRuleAdded, SessionID: req.SessionID, Tool: req.ToolName, Detail: map[string]any{"pattern": pattern, "actor": actor}})
		}
	}

	count := 0
	for _, p := range pending {
		changed, err := m.Resolve(ctx, p.ID, constants.StatusApproved, userBy(actor), "")
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

// RuleCandidates returns the approve patterns offered for req, or for chain
// step idx when idx >= 0, exact pattern first. Catch-alls are left out while
// a narrower candidate exists; "approve all" covers them.
func (m *Manager) RuleCandidates(ctx context.Context, req *store.Request, idx int) ([]string, error) {
	var candidates []string
	if idx >= 0 {
		state, err := m.chainFor(ctx, req)
		if err != nil {
			return nil, err
		}
		if idx >= len(state.Segments) {
			return nil, faults.Wrap(fmt.Errorf("segment %d out of range for request %s", idx, req.ID), faults.CategoryInvalidInput, false)
		}
		for _, p := range command.Generate(command.ParseSegment(state.Segments[idx])) {
			candidates = append(candidates, constants.ToolBash+"("+p+")")
		}
	} else {
		project := ""
		if sess, err := m.store.GetSession(ctx, req.SessionID); err == nil {
			project = sess.ProjectPath
		}
		candidates = command.ToolPatterns(req.ToolName, req.ToolInput, project)
	}

	narrow := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !isCatchAll(c) {
			narrow = append(narrow, c)
		}
	}
	if len(narrow) == 0 {
		narrow = candidates
	}
	if len(narrow) == 0 {
		return nil, faults.Wrap(fmt.Errorf("no rule pattern for request %s", req.ID), faults.CategoryInvalidInput, false)
	}
	if len(narrow) > maxRulePatterns {
		narrow = narrow[:maxRulePatterns]
	}
	return narrow, nil
}

// AdoptRule stores pattern as an approve rule, approves the request (or its
// chain step idx) and then resolves every other pending request the rule now
// settles. It returns how many other requests were approved.
func (m *Manager) AdoptRule(ctx context.Context, id string, idx int, pattern, actor string) (int, error) {
	if m.rules == nil {
		return 0, fmt.Errorf("rules are not configured")
	}
	req, err := m.store.GetRequest(ctx, id)
	if err != nil {
		return 0, err
	}
	if _, created, err := m.rules.Add(ctx, pattern, constants.ActionApprove, 0, constants.OriginTelegram); err != nil {
		return 0, err
	} else if created {
		m.record(ctx, audit.Event{Kind: constants.AuditRuleAdded, SessionID: req.SessionID, Tool: req.ToolName, Detail: map[string]any{"pattern": pattern, "actor": actor}})
	}

	if idx >= 0 {
		if _, err := m.StepApprove(ctx, id, idx, actor); err != nil {
			return 0, err
		}
	} else if _, err := m.Resolve(ctx, id, constants.StatusApproved, userBy(actor), ""); err != nil {
		return 0, err
	}
	return m.ResolveMatching(ctx, pattern, id)
}

// ResolveMatching approves pending requests, other than except, that pattern
// matches and that the rules now approve as a whole. Chains qualify only when
// every segment is approved; a deny rule still wins.
func (m *Manager) ResolveMatching(ctx context.Context, pattern, except string) (int, error) {
	pending, err := m.store.PendingRequests(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range pending {
		if p.ID == except || !covers(pattern, p) {
			continue
		}
		verdict, err := m.rules.Judge(ctx, p.ToolName, p.ToolInput)
		if err != nil {
			return count, err
		}
		if verdict.Action != constants.ActionApprove {
			continue
		}
		changed, err := m.Resolve(ctx, p.ID, constants.StatusApproved, constants.ResolvedByRule, "")
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

// covers reports whether pattern matches req or any of its shell segments.
func covers(pattern string, req store.Request) bool {
	if req.ToolName != constants.ToolBash {
		return rules.Match(rules.FormatToolCall(req.ToolName, req.ToolInput), pattern)
	}
	cmd := strings.TrimSpace(rules.Argument(req.ToolInput))
	segments := command.SplitChain(cmd)
	if len(segments) == 0 {
		segments = []string{cmd}
	}
	for _, seg := range segments {
		for _, call := range rules.ShellCalls(seg) {
			if rules.Match(call, pattern) {
				return true
			}
		}
	}
	return false
}

func isCatchAll(pattern string) bool {
	return strings.HasSuffix(pattern, "(*)")
}

// Feedback consumes a typed message: when actor owes a denial reason, the
// awaited request is denied with text as the reason.
func (m *Manager) Feedback(ctx context.Context, actor, text string) error {
	text = strings.TrimSpace(text)
	if actor == "" || text == "" {
		return nil
	}
	id, err := m.store.TakeFeedback(ctx, actor)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r := []rune(text); len(r) > maxReasonLen {
		text = string(r[:maxReasonLen]) + "…"
	}
	reason := m.text(templates.KeyFeedbackReason, templates.RequestView{By: actor, Reason: text}, deniedReason(actor)+": "+text)
	if _, err := m.Resolve(ctx, id, constants.StatusDenied, userBy(actor), reason); err != nil {
		return err
	}
	return nil
}

// AwaitReason parks the request until actor sends a reason and shows the
// prompt on its notification.
func (m *Manager) AwaitReason(ctx context.Context, req *store.Request, actor string) error {
	if err := m.store.AwaitFeedback(ctx, actor, req.ID); err != nil {
		return err
	}
	notice, err := m.noticeFor(ctx, req)
	if err != nil {
		return err
	}
	notice.AwaitingReason = true
	notice.Prompt = m.text(templates.KeyPromptReason, nil, "Reply with the reason for denying")
	m.showNotice(ctx, req, notice)
	return nil
}

// OfferPatterns replaces the decision buttons with a pattern menu.
func (m *Manager) OfferPatterns(ctx context.Context, req *store.Request, idx int, patterns []string) error {
	notice, err := m.noticeFor(ctx, req)
	if err != nil {
		return err
	}
	notice.Patterns = patterns
	notice.PatternStep = idx
	notice.Prompt = m.text(templates.KeyPromptPattern, nil, "Choose the rule to add")
	m.showNotice(ctx, req, notice)
	return nil
}

// RestoreNotice drops any menu or reason wait and shows the decision buttons again.
func (m *Manager) RestoreNotice(ctx context.Context, req *store.Request) error {
	if err := m.store.DropFeedback(ctx, req.ID); err != nil {
		return err
	}
	notice, err := m.noticeFor(ctx, req)
	if err != nil {
		return err
	}
	m.showNotice(ctx, req, notice)
	return nil
}

// noticeFor rebuilds the open notice of req, with chain progress for chains.
func (m *Manager) noticeFor(ctx context.Context, req *store.Request) (channel.Notice, error) {
	notice := m.baseNotice(ctx, req)
	if req.ToolName != constants.ToolBash || len(command.SplitChain(rules.Argument(req.ToolInput))) < 2 {
		return notice, nil
	}
	state, err := m.chainFor(ctx, req)
	if err != nil {
		return notice, err
	}
	notice.Segments = redactAll(state.Segments)
	notice.Approved = state.Approved
	return notice, nil
}

func (m *Manager) baseNotice(ctx context.Context, req *store.Request) channel.Notice {
	notice := channel.Notice{
		RequestID:   req.ID,
		SessionID:   req.SessionID,
		ToolName:    req.ToolName,
		ToolCall:    security.RedactCommand(rules.Argument(req.ToolInput)),
		Description: req.Description,
		PatternStep: -1,
	}
	if sess, err := m.store.GetSession(ctx, req.SessionID); err == nil {
		notice.ProjectPath = sess.ProjectPath
	}
	return notice
}

func (m *Manager) showNotice(ctx context.Context, req *store.Request, notice channel.Notice) {
	if m.channel == nil || req.NotificationID == 0 {
		return
	}
	if err := m.channel.UpdateDecisionRequest(ctx, req.NotificationID, notice); err != nil {
		m.logWarn("refresh notification failed", "request_id", req.ID, "error", err)
	}
}

func (m *Manager) refreshNotice(ctx context.Context, req *store.Request, state *store.ChainState) {
	notice := m.baseNotice(ctx, req)
	notice.Segments = redactAll(state.Segments)
	notice.Approved = state.Approved
	m.showNotice(ctx, req, notice)
}

func (m *Manager) finishNotice(ctx context.Context, req *store.Request) {
	if m.channel == nil || req.NotificationID == 0 {
		return
	}
	view := templates.RequestView{
		Tool:   req.ToolName,
		Call:   security.RedactCommand(rules.Argument(req.ToolInput)),
		Status: req.Status,
		By:     req.ResolvedBy,
		Reason: req.DenialReason,
	}
	text := m.text(templates.KeyResolved, view, req.ToolName+": "+req.Status)
	if err := m.channel.EditNotification(ctx, req.NotificationID, text); err != nil {
		m.logWarn("edit notification failed", "request_id", req.ID, "error", err)
	}
}

func (m *Manager) text(key string, data any, fallback string) string {
	return templates.Text(m.renderer, key, data, fallback)
}

func (m *Manager) record(ctx context.Context, ev audit.Event) {
	if m.audit != nil {
		m.audit.Record(ctx, ev)
	}
}

func (m *Manager) logWarn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}

func (m *Manager) logDebug(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}

func redactAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = security.RedactCommand(s)
	}
	return out
}

func userBy(actor string) string {
	if actor == "" {
		return "user"
	}
	return "user:" + actor
}
