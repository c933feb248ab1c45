package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codex-k8s/afk-gate/internal/constants"
)

// Request is one approval request.
type Request struct {
	ID             string
	SessionID      string
	ToolName       string
	ToolInput      string
	Context        string
	Description    string
	Status         string
	NotificationID int64
	CreatedAt      time.Time
	ResolvedAt     time.Time
	ResolvedBy     string
	DenialReason   string
	Deadline       time.Time
}

// Pending reports whether the request still awaits a decision.
func (r *Request) Pending() bool {
	return r.Status == constants.StatusPending
}

// NewRequest holds the caller-supplied fields of a request.
type NewRequest struct {
	SessionID   string
	ToolName    string
	ToolInput   string
	Context     string
	Description string
	Deadline    time.Time
}

const requestColumns = `id, session_id, tool_name, tool_input, context, description, status,
	notification_id, created_at, resolved_at, resolved_by, denial_reason, deadline`

// dedupAttempts bounds the insert/select loop when the pending twin resolves in between.
const dedupAttempts = 3

// CreateRequest inserts a pending request unless an identical one is already
// pending, in which case the existing request is returned with created=false.
func (s *Store) CreateRequest(ctx context.Context, in NewRequest) (*Request, bool, error) {
	for attempt := 0; attempt < dedupAttempts; attempt++ {
		id := uuid.NewString()
		res, err := s.db.Exec(ctx,
			`INSERT OR IGNORE INTO requests
				(id, session_id, tool_name, tool_input, context, description, status, created_at, deadline)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, in.SessionID, in.ToolName, in.ToolInput, in.Context, in.Description,
			constants.StatusPending, millis(s.now()), millis(in.Deadline),
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert request: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return nil, false, fmt.Errorf("insert request: %w", err)
		}
		if n > 0 {
			req, err := s.GetRequest(ctx, id)
			if err != nil {
				return nil, false, err
			}
			return req, true, nil
		}

		existing, err := s.FindPending(ctx, in.SessionID, in.ToolName, in.ToolInput)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("create request: pending duplicate kept changing after %d attempts", dedupAttempts)
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id)
	return scanRequest(row)
}

// FindPending returns the pending request with the given identity.
func (s *Store) FindPending(ctx context.Context, sessionID, toolName, toolInput string) (*Request, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE session_id=$1 AND tool_name=$2 AND tool_input=$3 AND status=$4`,
		sessionID, toolName, toolInput, constants.StatusPending,
	)
	return scanRequest(row)
}

// ResolveRequest moves a pending request to a terminal status. It reports
// false without error when the request was already resolved.
func (s *Store) ResolveRequest(ctx context.Context, id, status, resolvedBy, reason string) (bool, error) {
	if status != constants.StatusApproved && status != constants.StatusDenied {
		return false, fmt.Errorf("resolve request: invalid terminal status %q", status)
	}
	res, err := s.db.Exec(ctx,
		`UPDATE requests SET status=$1, resolved_at=$2, resolved_by=$3, denial_reason=$4
		 WHERE id=$5 AND status=$6`,
		status, millis(s.now()), resolvedBy, reason, id, constants.StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("resolve request: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("resolve request: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetRequest(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SetNotificationID records the channel message that carries the request.
func (s *Store) SetNotificationID(ctx context.Context, id string, notificationID int64) error {
	_, err := s.db.Exec(ctx, `UPDATE requests SET notification_id=$1 WHERE id=$2`, notificationID, id)
	if err != nil {
		return fmt.Errorf("set notification id: %w", err)
	}
	return nil
}

// PendingRequests lists pending requests, oldest first.
func (s *Store) PendingRequests(ctx context.Context) ([]Request, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE status=$1 ORDER BY created_at, id`,
		constants.StatusPending,
	)
}

// PendingBySessionTool lists pending requests of one session for one tool.
func (s *Store) PendingBySessionTool(ctx context.Context, sessionID, toolName string) ([]Request, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE status=$1 AND session_id=$2 AND tool_name=$3 ORDER BY created_at, id`,
		constants.StatusPending, sessionID, toolName,
	)
}

// OverduePending lists pending requests whose deadline passed before now.
func (s *Store) OverduePending(ctx context.Context, now time.Time) ([]Request, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE status=$1 AND deadline > 0 AND deadline < $2 ORDER BY deadline, id`,
		constants.StatusPending, millis(now),
	)
}

// RecentRequests lists the latest requests, newest first.
func (s *Store) RecentRequests(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id LIMIT $1`,
		limit,
	)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		req                            Request
		createdAt, resolvedAt, deadline int64
	)
	err := row.Scan(
		&req.ID, &req.SessionID, &req.ToolName, &req.ToolInput, &req.Context, &req.Description,
		&req.Status, &req.NotificationID, &createdAt, &resolvedAt, &req.ResolvedBy,
		&req.DenialReason, &deadline,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	req.CreatedAt = fromMillis(createdAt)
	req.ResolvedAt = fromMillis(resolvedAt)
	req.Deadline = fromMillis(deadline)
	return &req, nil
}
