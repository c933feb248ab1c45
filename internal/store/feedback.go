package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AwaitFeedback records that actor's next message is the denial reason for
// requestID. A newer wait of the same actor replaces the older one.
func (s *Store) AwaitFeedback(ctx context.Context, actor, requestID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO feedback_wait (actor, request_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (actor) DO UPDATE SET request_id = excluded.request_id, created_at = excluded.created_at`,
		actor, requestID, millis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("store feedback wait: %w", err)
	}
	return nil
}

// TakeFeedback removes and returns the request awaiting actor's reason.
// It returns ErrNotFound when actor owes none.
func (s *Store) TakeFeedback(ctx context.Context, actor string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`DELETE FROM feedback_wait WHERE actor=$1 RETURNING request_id`, actor,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("take feedback wait: %w", err)
	}
	return id, nil
}

// DropFeedback forgets every wait on requestID.
func (s *Store) DropFeedback(ctx context.Context, requestID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM feedback_wait WHERE request_id=$1`, requestID); err != nil {
		return fmt.Errorf("drop feedback wait: %w", err)
	}
	return nil
}
