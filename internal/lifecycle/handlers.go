package lifecycle

import (
	"context"

	"github.com/codex-k8s/afk-gate/internal/channel"
	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/templates"
)

var defaultHandlers = map[string]Handler{
	constants.CallbackApprove:            handleApprove,
	constants.CallbackDeny:               handleDeny,
	constants.CallbackApproveAll:         handleApproveAll,
	constants.CallbackAddRule:            handleAddRule,
	constants.CallbackChainApprove:       handleChainApprove,
	constants.CallbackChainDeny:          handleChainDeny,
	constants.CallbackChainApproveEntire: handleChainApproveEntire,
	constants.CallbackChainRule:          handleChainRule,
	constants.CallbackAddRulePattern:     handleRulePattern,
	constants.CallbackChainRulePattern:   handleRulePattern,
	constants.CallbackCancelRule:         handleCancel,
	constants.CallbackDenyMsg:            handleDenyMsg,
	constants.CallbackChainDenyMsg:       handleDenyMsg,
}

func handleApprove(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	changed, err := m.Resolve(ctx, ev.TargetID, constants.StatusApproved, userBy(ev.Actor), "")
	if err != nil {
		return "", err
	}
	return m.resolutionAck(changed, constants.StatusApproved), nil
}

func handleDeny(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	changed, err := m.Resolve(ctx, ev.TargetID, constants.StatusDenied, userBy(ev.Actor), deniedReason(ev.Actor))
	if err != nil {
		return "", err
	}
	return m.resolutionAck(changed, constants.StatusDenied), nil
}

func handleApproveAll(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	req, err := m.store.GetRequest(ctx, ev.TargetID)
	if err != nil {
		return "", err
	}
	if !req.Pending() {
		return m.text(templates.KeyAckAlreadyResolved, nil, "Already resolved"), nil
	}
	count, err := m.ApproveAll(ctx, ev.TargetID, ev.Actor)
	if err != nil {
		return "", err
	}
	return m.text(templates.KeyAckApprovedAll, templates.ButtonView{Tool: req.ToolName, Count: count}, "Approved"), nil
}

func handleAddRule(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	return offerRule(ctx, m, ev, -1)
}

// offerRule adopts the only candidate pattern right away and otherwise shows
// the pattern menu. Without a notification to edit the exact pattern is used.
func offerRule(ctx context.Context, m *Manager, ev channel.Event, idx int) (string, error) {
	req, err := m.store.GetRequest(ctx, ev.TargetID)
	if err != nil {
		return "", err
	}
	if !req.Pending() {
		return m.text(templates.KeyAckAlreadyResolved, nil, "Already resolved"), nil
	}
	candidates, err := m.RuleCandidates(ctx, req, idx)
	if err != nil {
		return "", err
	}
	if len(candidates) == 1 || m.channel == nil || req.NotificationID == 0 {
		return adopt(ctx, m, ev, idx, candidates[0])
	}
	if err := m.OfferPatterns(ctx, req, idx, candidates); err != nil {
		return "", err
	}
	return m.text(templates.KeyAckChoosePattern, nil, "Choose a rule pattern"), nil
}

func handleRulePattern(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	idx := -1
	if ev.Action == constants.CallbackChainRulePattern {
		if ev.SegmentIndex < 0 {
			return m.text(templates.KeyAckUnknownAction, nil, "Unknown action"), nil
		}
		idx = ev.SegmentIndex
	}
	if ev.Choice < 0 {
		return m.text(templates.KeyAckUnknownAction, nil, "Unknown action"), nil
	}
	req, err := m.store.GetRequest(ctx, ev.TargetID)
	if err != nil {
		return "", err
	}
	if !req.Pending() {
		return m.text(templates.KeyAckAlreadyResolved, nil, "Already resolved"), nil
	}
	candidates, err := m.RuleCandidates(ctx, req, idx)
	if err != nil {
		return "", err
	}
	if ev.Choice >= len(candidates) {
		return m.text(templates.KeyAckUnknownAction, nil, "Unknown action"), nil
	}
	return adopt(ctx, m, ev, idx, candidates[ev.Choice])
}

func adopt(ctx context.Context, m *Manager, ev channel.Event, idx int, pattern string) (string, error) {
	count, err := m.AdoptRule(ctx, ev.TargetID, idx, pattern, ev.Actor)
	if err != nil {
		return "", err
	}
	return m.text(templates.KeyAckRuleAdded, templates.ButtonView{Pattern: pattern, Count: count}, "Rule added: "+pattern), nil
}

func handleCancel(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	req, err := m.store.GetRequest(ctx, ev.TargetID)
	if err != nil {
		return "", err
	}
	if !req.Pending() {
		return m.text(templates.KeyAckAlreadyResolved, nil, "Already resolved"), nil
	}
	if err := m.RestoreNotice(ctx, req); err != nil {
		return "", err
	}
	return m.text(templates.KeyAckCancelled, nil, "Back to the request"), nil
}

func handleDenyMsg(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	req, err := m.store.GetRequest(ctx, ev.TargetID)
	if err != nil {
		return "", err
	}
	if !req.Pending() {
		return m.text(templates.KeyAckAlreadyResolved, nil, "Already resolved"), nil
	}
	if ev.Actor == "" {
		// Nobody to wait for; deny without a reason.
		return handleDeny(ctx, m, ev)
	}
	if err := m.AwaitReason(ctx, req, ev.Actor); err != nil {
		return "", err
	}
	return m.text(templates.KeyAckReasonPrompt, nil, "Send the reason as a message"), nil
}

func handleChainApprove(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	if ev.SegmentIndex < 0 {
		return m.text(templates.KeyAckUnknownAction, nil, "Unknown action"), nil
	}
	req, err := m.store.GetRequest(ctx, ev.TargetID)
	if err != nil {
		return "", err
	}
	if !req.Pending() {
		return m.text(templates.KeyAckAlreadyResolved, nil, "Already resolved"), nil
	}
	complete, err := m.StepApprove(ctx, ev.TargetID, ev.SegmentIndex, ev.Actor)
	if err != nil {
		return "", err
	}
	if complete {
		return m.text(templates.KeyAckApproved, nil, "Approved"), nil
	}
	return m.text(templates.KeyAckStepApproved, templates.ButtonView{Number: ev.SegmentIndex + 1}, "Step approved"), nil
}

func handleChainDeny(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	changed, err := m.StepDeny(ctx, ev.TargetID, userBy(ev.Actor), deniedReason(ev.Actor))
	if err != nil {
		return "", err
	}
	return m.resolutionAck(changed, constants.StatusDenied), nil
}

func handleChainApproveEntire(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	req, err := m.store.GetRequest(ctx, ev.TargetID)
	if err != nil {
		return "", err
	}
	if !req.Pending() {
		return m.text(templates.KeyAckAlreadyResolved, nil, "Already resolved"), nil
	}
	if _, err := m.ApproveEntire(ctx, ev.TargetID, ev.Actor); err != nil {
		return "", err
	}
	return m.text(templates.KeyAckApproved, nil, "Approved"), nil
}

func handleChainRule(ctx context.Context, m *Manager, ev channel.Event) (string, error) {
	if ev.SegmentIndex < 0 {
		return m.text(templates.KeyAckUnknownAction, nil, "Unknown action"), nil
	}
	return offerRule(ctx, m, ev, ev.SegmentIndex)
}

func (m *Manager) resolutionAck(changed bool, status string) string {
	switch {
	case !changed:
		return m.text(templates.KeyAckAlreadyResolved, nil, "Already resolved")
	case status == constants.StatusApproved:
		return m.text(templates.KeyAckApproved, nil, "Approved")
	default:
		return m.text(templates.KeyAckDenied, nil, "Denied")
	}
}

func deniedReason(actor string) string {
	if actor == "" {
		return "denied by user"
	}
	return "denied by " + actor
}
