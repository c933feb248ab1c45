package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetOffset returns the next update offset of a channel; ok is false when
// nothing was stored yet.
func (s *Store) GetOffset(ctx context.Context, channel string) (int64, bool, error) {
	var offset int64
	err := s.db.QueryRow(ctx, `SELECT next_offset FROM channel_offset WHERE channel=$1`, channel).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load channel offset: %w", err)
	}
	return offset, true, nil
}

// SetOffset stores the next update offset. The stored value never decreases.
func (s *Store) SetOffset(ctx context.Context, channel string, offset int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO channel_offset (channel, next_offset) VALUES ($1, $2)
		 ON CONFLICT (channel) DO UPDATE SET next_offset = MAX(channel_offset.next_offset, excluded.next_offset)`,
		channel, offset,
	)
	if err != nil {
		return fmt.Errorf("store channel offset: %w", err)
	}
	return nil
}
