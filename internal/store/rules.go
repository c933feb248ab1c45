package store

import (
	"context"
	"fmt"
	"time"
)

// Rule is a stored pattern rule. Action is kept raw so that callers can
// detect and skip corrupt rows.
type Rule struct {
	ID        int64
	Pattern   string
	Action    string
	Priority  int
	Origin    string
	CreatedAt time.Time
}

// AddRule inserts a rule. When the same pattern and action already exist the
// existing id is returned with created=false and its priority is set to the
// requested one.
func (s *Store) AddRule(ctx context.Context, rule Rule) (int64, bool, error) {
	res, err := s.db.Exec(ctx,
		`INSERT OR IGNORE INTO rules (pattern, action, priority, origin, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rule.Pattern, rule.Action, rule.Priority, rule.Origin, millis(s.now()),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert rule: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, false, fmt.Errorf("insert rule: %w", err)
	}

	var id int64
	if err := s.db.QueryRow(ctx,
		`SELECT id FROM rules WHERE pattern=$1 AND action=$2`,
		rule.Pattern, rule.Action,
	).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("lookup rule: %w", err)
	}
	if n == 0 {
		if _, err := s.db.Exec(ctx,
			`UPDATE rules SET priority=$1 WHERE id=$2 AND priority<>$1`, rule.Priority, id,
		); err != nil {
			return 0, false, fmt.Errorf("update rule priority: %w", err)
		}
	}
	return id, n > 0, nil
}

// RemoveRule deletes a rule by id. It returns ErrNotFound for unknown ids.
func (s *Store) RemoveRule(ctx context.Context, id int64) error {
	res, err := s.db.Exec(ctx, `DELETE FROM rules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRules returns rules by priority descending, then insertion order.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, pattern, action, priority, origin, created_at
		 FROM rules ORDER BY priority DESC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var (
			rule      Rule
			createdAt int64
		)
		if err := rows.Scan(&rule.ID, &rule.Pattern, &rule.Action, &rule.Priority, &rule.Origin, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.CreatedAt = fromMillis(createdAt)
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	return out, nil
}
