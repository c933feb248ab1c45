package constants

// Decision actions shared by rules, callbacks and hook responses.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
	ActionNone    = ""
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// Session statuses.
const (
	SessionActive   = "active"
	SessionInactive = "inactive"
)

// Tool names with dedicated argument handling.
const (
	ToolBash  = "Bash"
	ToolEdit  = "Edit"
	ToolWrite = "Write"
	ToolRead  = "Read"
)

// Callback actions carried in notification buttons.
const (
	CallbackApprove            = "approve"
	CallbackDeny               = "deny"
	CallbackApproveAll         = "approve_all"
	CallbackAddRule            = "add_rule"
	CallbackChainApprove       = "chain_approve"
	CallbackChainDeny          = "chain_deny"
	CallbackChainApproveEntire = "chain_approve_entire"
	CallbackChainRule          = "chain_rule"
	CallbackAddRulePattern     = "add_rule_pattern"
	CallbackChainRulePattern   = "chain_rule_pattern"
	CallbackCancelRule         = "cancel_rule"
	CallbackDenyMsg            = "deny_msg"
	CallbackChainDenyMsg       = "chain_deny_msg"
)

// Audit event kinds.
const (
	AuditToolCall          = "tool_call"
	AuditAutoResponse      = "auto_response"
	AuditRequest           = "request"
	AuditDedup             = "dedup"
	AuditResponse          = "response"
	AuditTimeout           = "timeout"
	AuditChainStep         = "chain_step"
	AuditRuleAdded         = "rule_added"
	AuditNotificationError = "notification_error"
)

// Rule origins.
const (
	OriginCLI          = "cli"
	OriginTelegram     = "telegram"
	OriginFile         = "file"
	OriginPresetPrefix = "preset:"
)

// Resolver identities recorded on requests.
const (
	ResolvedByRule        = "rule"
	ResolvedByTimeout     = "timeout"
	ResolvedByChainAll    = "user:chain_all_approved"
	ResolvedByMaintenance = "maintenance"
)

// StatusFor maps a decision action to the terminal request status.
func StatusFor(action string) string {
	if action == ActionApprove {
		return StatusApproved
	}
	return StatusDenied
}

// ActionFor maps a terminal request status to a decision action.
func ActionFor(status string) string {
	switch status {
	case StatusApproved:
		return ActionApprove
	case StatusDenied:
		return ActionDeny
	default:
		return ActionNone
	}
}
