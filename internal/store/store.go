package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/codex-k8s/afk-gate/internal/faults"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a chain row changed since it was read.
	ErrVersionConflict = errors.New("chain state version conflict")
)

const busyTimeoutMillis = 5000

// Store is the durable state shared by every gateway process.
type Store struct {
	db *dbutil.Database
	// Now supplies timestamps for new rows.
	Now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, faults.Wrap(fmt.Errorf("create data dir: %w", err), faults.CategoryStoreUnavailable, false)
		}
	}

	raw, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, faults.Wrap(fmt.Errorf("open sqlite: %w", err), faults.CategoryStoreUnavailable, false)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		_ = raw.Close()
		return nil, faults.Wrap(fmt.Errorf("wrap sqlite: %w", err), faults.CategoryStoreUnavailable, false)
	}

	s := &Store{db: db, Now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, faults.Wrap(err, faults.CategoryStoreUnavailable, false)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func dsn(path string) string {
	values := url.Values{}
	values.Set("_busy_timeout", fmt.Sprint(busyTimeoutMillis))
	values.Set("_journal_mode", "WAL")
	values.Set("_txlock", "immediate")
	values.Set("_foreign_keys", "1")
	return "file:" + path + "?" + values.Encode()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func affected(res sql.Result) (int64, error) {
	if res == nil {
		return 0, nil
	}
	return res.RowsAffected()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.RawDB.PingContext(ctx); err != nil {
		return faults.Wrap(fmt.Errorf("ping sqlite: %w", err), faults.CategoryStoreUnavailable, true)
	}
	return nil
}
