package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one audit record. Entries are never updated; only the
// retention sweep removes them.
type AuditEntry struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	SessionID string
	Detail    map[string]any
}

// AppendAudit writes an audit record. A zero timestamp means now.
func (s *Store) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	detail := []byte("{}")
	if len(entry.Detail) > 0 {
		encoded, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = encoded
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO audit_log (timestamp, kind, session_id, detail) VALUES ($1, $2, $3, $4)`,
		millis(entry.Timestamp), entry.Kind, entry.SessionID, string(detail),
	); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first, optionally filtered by session.
func (s *Store) ListAudit(ctx context.Context, sessionID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, timestamp, kind, session_id, detail FROM audit_log
		 WHERE $1 = '' OR session_id = $1
		 ORDER BY timestamp DESC, id DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			entry  AuditEntry
			ts     int64
			detail string
		)
		if err := rows.Scan(&entry.ID, &ts, &entry.Kind, &entry.SessionID, &detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entry.Timestamp = fromMillis(ts)
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &entry.Detail); err != nil {
				entry.Detail = map[string]any{"raw": detail}
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	return out, nil
}

// PruneAudit applies the retention window: entries older than cutoff are
// deleted as a whole, newer ones are left untouched.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM audit_log WHERE timestamp < $1`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return affected(res)
}
