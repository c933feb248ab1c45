package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codex-k8s/afk-gate/internal/constants"
)

// Session tracks one agent session seen by the gateway.
type Session struct {
	ID          string
	ProjectPath string
	StartedAt   time.Time
	LastSeenAt  time.Time
	Status      string
}

// UpsertSession records activity for a session. last_seen_at never moves
// backwards and a non-empty project path replaces the stored one.
func (s *Store) UpsertSession(ctx context.Context, sessionID, projectPath string) error {
	now := millis(s.now())
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (session_id, project_path, started_at, last_seen_at, status)
		 VALUES ($1, $2, $3, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET
			last_seen_at = MAX(sessions.last_seen_at, excluded.last_seen_at),
			project_path = CASE WHEN excluded.project_path = '' THEN sessions.project_path ELSE excluded.project_path END,
			status = excluded.status`,
		sessionID, projectPath, now, constants.SessionActive,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT session_id, project_path, started_at, last_seen_at, status FROM sessions WHERE session_id=$1`,
		sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.Query(ctx,
		`SELECT session_id, project_path, started_at, last_seen_at, status
		 FROM sessions ORDER BY last_seen_at DESC, session_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return out, nil
}

// MarkIdleSessions flags active sessions last seen before cutoff as inactive.
func (s *Store) MarkIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(ctx,
		`UPDATE sessions SET status=$1 WHERE status=$2 AND last_seen_at < $3`,
		constants.SessionInactive, constants.SessionActive, millis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("mark idle sessions: %w", err)
	}
	return affected(res)
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess                Session
		started, lastSeenAt int64
	)
	if err := row.Scan(&sess.ID, &sess.ProjectPath, &started, &lastSeenAt, &sess.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = fromMillis(started)
	sess.LastSeenAt = fromMillis(lastSeenAt)
	return &sess, nil
}
