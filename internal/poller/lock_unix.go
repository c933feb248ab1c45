//go:build unix

package poller

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/codex-k8s/afk-gate/internal/faults"
)

type fileLock struct {
	file *os.File
}

// tryLock takes a non-blocking exclusive flock on path. The file is never
// unlinked: the kernel drops the lock when the holder exits.
func tryLock(path string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, faults.Wrap(fmt.Errorf("create lock dir: %w", err), faults.CategoryLockUnavailable, false)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, faults.Wrap(fmt.Errorf("open lock file: %w", err), faults.CategoryLockUnavailable, true)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrNotLeader
		}
		return nil, faults.Wrap(fmt.Errorf("flock %s: %w", path, err), faults.CategoryLockUnavailable, true)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}
	return &fileLock{file: f}, nil
}

func (l *fileLock) unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
