//go:build !unix

package poller

import (
	"errors"

	"github.com/codex-k8s/afk-gate/internal/faults"
)

type fileLock struct{}

func tryLock(string) (*fileLock, error) {
	return nil, faults.Wrap(errors.New("poll lock requires flock"), faults.CategoryLockUnavailable, false)
}

func (*fileLock) unlock() error { return nil }
