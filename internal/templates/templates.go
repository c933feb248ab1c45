package templates

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed data/*.json
var files embed.FS

// Renderer renders localized messages by key.
type Renderer interface {
	// Render returns a localized message by key.
	Render(key string, data any) (string, error)
}

// Message keys.
const (
	KeyRequest               = "request"
	KeyChainRequest          = "chain_request"
	KeyResolved              = "resolved"
	KeyBtnApprove            = "btn_approve"
	KeyBtnDeny               = "btn_deny"
	KeyBtnApproveAll         = "btn_approve_all"
	KeyBtnAddRule            = "btn_add_rule"
	KeyBtnChainApprove       = "btn_chain_approve"
	KeyBtnChainRule          = "btn_chain_rule"
	KeyBtnChainApproveEntire = "btn_chain_approve_entire"
	KeyBtnChainDeny          = "btn_chain_deny"
	KeyAckApproved           = "ack_approved"
	KeyAckDenied             = "ack_denied"
	KeyAckAlreadyResolved    = "ack_already_resolved"
	KeyAckUnknownAction      = "ack_unknown_action"
	KeyAckNotFound           = "ack_not_found"
	KeyAckStepApproved       = "ack_step_approved"
	KeyAckRuleAdded          = "ack_rule_added"
	KeyAckApprovedAll        = "ack_approved_all"
	KeyAckRetry              = "ack_retry"
	KeyTimeoutReason         = "timeout_reason"
	KeyBtnPattern            = "btn_pattern"
	KeyBtnCancelRule         = "btn_cancel_rule"
	KeyBtnDenyMsg            = "btn_deny_msg"
	KeyPromptPattern         = "prompt_pattern"
	KeyPromptReason          = "prompt_reason"
	KeyAckChoosePattern      = "ack_choose_pattern"
	KeyAckReasonPrompt       = "ack_reason_prompt"
	KeyAckCancelled          = "ack_cancelled"
	KeyFeedbackReason        = "feedback_reason"
)

// RequestView feeds the request and resolved templates.
type RequestView struct {
	Tool        string
	Call        string
	Project     string
	Description string
	Status      string
	By          string
	Reason      string
	Steps       []StepView
	// Prompt is an instruction shown under an open request.
	Prompt string
}

// StepView is one chain step; Number is 1-based.
type StepView struct {
	Number   int
	Text     string
	Approved bool
}

// ButtonView feeds button and acknowledgement templates.
type ButtonView struct {
	Tool    string
	Number  int
	Pattern string
	Count   int
	Timeout string
}

// Bundle holds parsed templates for a selected language.
type Bundle struct {
	lang      string
	templates map[string]*template.Template
}

// Load loads localized templates for the specified language (default: en).
func Load(lang string) (*Bundle, error) {
	if strings.TrimSpace(lang) == "" {
		lang = "en"
	}
	lang = strings.ToLower(lang)

	if lang != "ru" && lang != "en" {
		lang = "en"
	}

	path := fmt.Sprintf("data/%s.json", lang)
	raw, err := files.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	var messages map[string]string
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	parsed := make(map[string]*template.Template, len(messages))
	for key, value := range messages {
		tmpl, err := template.New(key).Parse(value)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", key, err)
		}
		parsed[key] = tmpl
	}

	return &Bundle{lang: lang, templates: parsed}, nil
}

// Render renders a message by key with the supplied data.
func (b *Bundle) Render(key string, data any) (string, error) {
	if b == nil {
		return "", fmt.Errorf("templates bundle is nil")
	}
	tmpl, ok := b.templates[key]
	if !ok {
		return "", fmt.Errorf("template not found: %s", key)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", key, err)
	}
	return out.String(), nil
}

// Text renders key with r, returning fallback when r is nil or rendering fails.
func Text(r Renderer, key string, data any, fallback string) string {
	if r == nil {
		return fallback
	}
	out, err := r.Render(key, data)
	if err != nil || out == "" {
		return fallback
	}
	return out
}
