package telegram

import (
	"html"
	"slices"

	"github.com/codex-k8s/afk-gate/internal/channel"
	"github.com/codex-k8s/afk-gate/internal/constants"
	"github.com/codex-k8s/afk-gate/internal/templates"
)

const (
	maxFieldLen = 3000
	minFieldLen = 64
	// maxLabelLen keeps pattern buttons readable.
	maxLabelLen = 48
)

type inlineKeyboard struct {
	InlineKeyboard [][]button `json:"inline_keyboard"`
}

type button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// noticeText renders n, shrinking the clipped fields until the HTML fits one
// message. Escaping can grow a field several times, so the raw length alone
// is no bound.
func (c *Client) noticeText(n channel.Notice) string {
	var text string
	for budget := maxFieldLen; ; budget /= 2 {
		text = c.renderNotice(n, budget)
		if len(text) <= maxMessageLen || budget <= minFieldLen {
			return text
		}
	}
}

func (c *Client) renderNotice(n channel.Notice, budget int) string {
	view := templates.RequestView{
		Tool:        n.ToolName,
		Call:        clip(n.ToolCall, budget),
		Project:     n.ProjectPath,
		Description: clip(n.Description, budget),
		Prompt:      n.Prompt,
	}
	if !n.IsChain() {
		fallback := "<b>" + html.EscapeString(n.ToolName) + "</b>: <code>" + html.EscapeString(view.Call) + "</code>"
		return templates.Text(c.Renderer, templates.KeyRequest, view, fallback)
	}

	step := max(budget/len(n.Segments), minFieldLen)
	fallback := "<b>" + html.EscapeString(n.ToolName) + "</b>"
	for i, seg := range n.Segments {
		view.Steps = append(view.Steps, templates.StepView{
			Number:   i + 1,
			Text:     clip(seg, step),
			Approved: slices.Contains(n.Approved, i),
		})
		fallback += "\n" + html.EscapeString(clip(seg, step))
	}
	return templates.Text(c.Renderer, templates.KeyChainRequest, view, fallback)
}

func (c *Client) keyboard(n channel.Notice) inlineKeyboard {
	label := func(key string, data templates.ButtonView, fallback string) string {
		return templates.Text(c.Renderer, key, data, fallback)
	}

	back := []button{
		{Text: label(templates.KeyBtnCancelRule, templates.ButtonView{}, "Back"), CallbackData: channel.CallbackData(constants.CallbackCancelRule, n.RequestID, -1)},
	}
	switch {
	case len(n.Patterns) > 0:
		return c.patternKeyboard(n, label, back)
	case n.AwaitingReason:
		return inlineKeyboard{InlineKeyboard: [][]button{back}}
	}
	if !n.IsChain() {
		return inlineKeyboard{InlineKeyboard: [][]button{
			{
				{Text: label(templates.KeyBtnApprove, templates.ButtonView{}, "Approve"), CallbackData: channel.CallbackData(constants.CallbackApprove, n.RequestID, -1)},
				{Text: label(templates.KeyBtnDeny, templates.ButtonView{}, "Deny"), CallbackData: channel.CallbackData(constants.CallbackDeny, n.RequestID, -1)},
			},
			{
				{Text: label(templates.KeyBtnAddRule, templates.ButtonView{}, "Always"), CallbackData: channel.CallbackData(constants.CallbackAddRule, n.RequestID, -1)},
				{Text: label(templates.KeyBtnApproveAll, templates.ButtonView{Tool: n.ToolName}, "All "+n.ToolName), CallbackData: channel.CallbackData(constants.CallbackApproveAll, n.RequestID, -1)},
			},
			{
				{Text: label(templates.KeyBtnDenyMsg, templates.ButtonView{}, "Deny with reason"), CallbackData: channel.CallbackData(constants.CallbackDenyMsg, n.RequestID, -1)},
			},
		}}
	}

	var rows [][]button
	for i := range n.Segments {
		if slices.Contains(n.Approved, i) {
			continue
		}
		view := templates.ButtonView{Number: i + 1}
		rows = append(rows, []button{
			{Text: label(templates.KeyBtnChainApprove, view, "Approve"), CallbackData: channel.CallbackData(constants.CallbackChainApprove, n.RequestID, i)},
			{Text: label(templates.KeyBtnChainRule, view, "Rule"), CallbackData: channel.CallbackData(constants.CallbackChainRule, n.RequestID, i)},
		})
	}
	rows = append(rows, []button{
		{Text: label(templates.KeyBtnChainApproveEntire, templates.ButtonView{}, "Approve all"), CallbackData: channel.CallbackData(constants.CallbackChainApproveEntire, n.RequestID, -1)},
		{Text: label(templates.KeyBtnChainDeny, templates.ButtonView{}, "Deny"), CallbackData: channel.CallbackData(constants.CallbackChainDeny, n.RequestID, -1)},
	}, []button{
		{Text: label(templates.KeyBtnDenyMsg, templates.ButtonView{}, "Deny with reason"), CallbackData: channel.CallbackData(constants.CallbackChainDenyMsg, n.RequestID, -1)},
	})
	return inlineKeyboard{InlineKeyboard: rows}
}

// patternKeyboard offers one button per rule candidate plus a cancel row.
func (c *Client) patternKeyboard(n channel.Notice, label func(string, templates.ButtonView, string) string, back []button) inlineKeyboard {
	action := constants.CallbackAddRulePattern
	step := -1
	if n.PatternStep >= 0 && n.IsChain() {
		action, step = constants.CallbackChainRulePattern, n.PatternStep
	}
	rows := make([][]button, 0, len(n.Patterns)+1)
	for i, p := range n.Patterns {
		rows = append(rows, []button{{
			Text:         label(templates.KeyBtnPattern, templates.ButtonView{Pattern: clip(p, maxLabelLen)}, clip(p, maxLabelLen)),
			CallbackData: channel.ChoiceData(action, n.RequestID, step, i),
		}})
	}
	return inlineKeyboard{InlineKeyboard: append(rows, back)}
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
