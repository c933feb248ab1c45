package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ChainState tracks step-by-step approval of a chained command.
type ChainState struct {
	RequestID string
	Segments  []string
	// Approved holds approved segment indices in ascending order.
	Approved []int
	Version  int64
}

// IsApproved reports whether segment idx is approved.
func (c *ChainState) IsApproved(idx int) bool {
	return slices.Contains(c.Approved, idx)
}

// Complete reports whether every segment is approved.
func (c *ChainState) Complete() bool {
	for i := range c.Segments {
		if !c.IsApproved(i) {
			return false
		}
	}
	return len(c.Segments) > 0
}

// WithApproved returns a sorted copy of the approved set including idx.
func (c *ChainState) WithApproved(idx ...int) []int {
	out := slices.Clone(c.Approved)
	for _, i := range idx {
		if i >= 0 && i < len(c.Segments) && !slices.Contains(out, i) {
			out = append(out, i)
		}
	}
	slices.Sort(out)
	return out
}

// CreateChain inserts the chain row at version 1 unless one already exists.
// It returns the stored state either way.
func (s *Store) CreateChain(ctx context.Context, requestID string, segments []string, approved []int) (*ChainState, error) {
	segs, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("encode chain segments: %w", err)
	}
	approved = normalizeIndices(approved, len(segments))
	appr, err := json.Marshal(approved)
	if err != nil {
		return nil, fmt.Errorf("encode chain approvals: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT OR IGNORE INTO chain_state (request_id, segments, approved, version) VALUES ($1, $2, $3, 1)`,
		requestID, string(segs), string(appr),
	); err != nil {
		return nil, fmt.Errorf("insert chain state: %w", err)
	}
	return s.GetChain(ctx, requestID)
}

// GetChain loads the chain row of a request.
func (s *Store) GetChain(ctx context.Context, requestID string) (*ChainState, error) {
	var (
		state          ChainState
		segs, approved string
	)
	err := s.db.QueryRow(ctx,
		`SELECT request_id, segments, approved, version FROM chain_state WHERE request_id=$1`,
		requestID,
	).Scan(&state.RequestID, &segs, &approved, &state.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load chain state: %w", err)
	}
	if err := json.Unmarshal([]byte(segs), &state.Segments); err != nil {
		return nil, fmt.Errorf("decode chain segments: %w", err)
	}
	if err := json.Unmarshal([]byte(approved), &state.Approved); err != nil {
		return nil, fmt.Errorf("decode chain approvals: %w", err)
	}
	return &state, nil
}

// UpdateChain stores a new approved set if the row is still at expected
// version, bumping the version by one. A stale version yields ErrVersionConflict.
func (s *Store) UpdateChain(ctx context.Context, requestID string, approved []int, expected int64) (int64, error) {
	appr, err := json.Marshal(approved)
	if err != nil {
		return 0, fmt.Errorf("encode chain approvals: %w", err)
	}
	res, err := s.db.Exec(ctx,
		`UPDATE chain_state SET approved=$1, version=version+1 WHERE request_id=$2 AND version=$3`,
		string(appr), requestID, expected,
	)
	if err != nil {
		return 0, fmt.Errorf("update chain state: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, fmt.Errorf("update chain state: %w", err)
	}
	if n == 0 {
		if _, err := s.GetChain(ctx, requestID); err != nil {
			return 0, err
		}
		return 0, ErrVersionConflict
	}
	return expected + 1, nil
}

// DeleteChain removes the chain row; missing rows are ignored.
func (s *Store) DeleteChain(ctx context.Context, requestID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chain_state WHERE request_id=$1`, requestID); err != nil {
		return fmt.Errorf("delete chain state: %w", err)
	}
	return nil
}

func normalizeIndices(idx []int, n int) []int {
	out := make([]int, 0, len(idx))
	for _, i := range idx {
		if i >= 0 && i < n && !slices.Contains(out, i) {
			out = append(out, i)
		}
	}
	slices.Sort(out)
	return out
}

// PruneOrphanChains removes chain rows whose request is no longer pending.
func (s *Store) PruneOrphanChains(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx,
		`DELETE FROM chain_state WHERE request_id NOT IN (SELECT id FROM requests WHERE status = 'pending')`,
	)
	if err != nil {
		return 0, fmt.Errorf("prune chain state: %w", err)
	}
	return affected(res)
}
