package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/codex-k8s/afk-gate/internal/store"
)

// Event represents an audit entry for tool calls and decisions.
type Event struct {
	// Kind describes the event kind (see constants.Audit*).
	Kind string
	// SessionID is the agent session.
	SessionID string
	// RequestID links events of one approval request.
	RequestID string
	// Tool is the tool name.
	Tool string
	// Decision is the approval decision, if any.
	Decision string
	// Reason provides additional context.
	Reason string
	// Detail carries extra fields.
	Detail map[string]any
}

// Logger records audit events.
type Logger interface {
	// Record stores an audit event.
	Record(ctx context.Context, event Event)
}

// StdLogger writes audit events to slog.
type StdLogger struct {
	logger *slog.Logger
}

// New returns a StdLogger.
func New(logger *slog.Logger) *StdLogger {
	return &StdLogger{logger: logger}
}

// Record logs an audit event.
func (l *StdLogger) Record(_ context.Context, event Event) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Info("audit",
		"kind", event.Kind,
		"session_id", event.SessionID,
		"request_id", event.RequestID,
		"tool", event.Tool,
		"decision", event.Decision,
		"reason", event.Reason,
	)
}

// Appender persists audit entries.
type Appender interface {
	AppendAudit(ctx context.Context, entry store.AuditEntry) error
}

// StoreLogger appends events to the durable audit log and mirrors them to slog.
type StoreLogger struct {
	store  Appender
	std    *StdLogger
	logger *slog.Logger
	now    func() time.Time
}

// NewStoreLogger returns a StoreLogger. logger may be nil.
func NewStoreLogger(appender Appender, logger *slog.Logger) *StoreLogger {
	return &StoreLogger{store: appender, std: New(logger), logger: logger, now: time.Now}
}

// Record appends the event. Failures are logged and never propagated: the
// audit trail must not block decisions.
func (l *StoreLogger) Record(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	l.std.Record(ctx, event)
	if l.store == nil {
		return
	}
	err := l.store.AppendAudit(ctx, store.AuditEntry{
		Timestamp: l.now(),
		Kind:      event.Kind,
		SessionID: event.SessionID,
		Detail:    detail(event),
	})
	if err != nil && l.logger != nil {
		l.logger.Warn("audit append failed", "kind", event.Kind, "error", err)
	}
}

func detail(event Event) map[string]any {
	out := make(map[string]any, len(event.Detail)+4)
	for k, v := range event.Detail {
		out[k] = v
	}
	if event.RequestID != "" {
		out["request_id"] = event.RequestID
	}
	if event.Tool != "" {
		out["tool"] = event.Tool
	}
	if event.Decision != "" {
		out["decision"] = event.Decision
	}
	if event.Reason != "" {
		out["reason"] = event.Reason
	}
	return out
}
