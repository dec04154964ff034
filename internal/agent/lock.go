package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"atelier/internal/errs"
)

// instanceLock is an exclusive lock file held for the lifetime of an agent
// process, keyed by project and adapter identity.
type instanceLock struct {
	path string
	file *os.File
	once sync.Once
}

// LockPath returns the lock file path for a project and adapter.
func LockPath(dir, projectID, adapter string) string {
	return filepath.Join(dir, sanitize(projectID)+"-"+sanitize(adapter)+".lock")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// acquireLock takes the lock without blocking. A lock held by anyone else
// yields an error wrapping ErrLockConflict and *errs.LockConflictError.
func acquireLock(dir, projectID, adapter string) (*instanceLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := LockPath(dir, projectID, adapter)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrLockConflict, &errs.LockConflictError{Path: path})
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &instanceLock{path: path, file: f}, nil
}

// release unlocks and closes the lock file. It is safe to call more than once.
func (l *instanceLock) release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		_ = unlockFile(l.file)
		_ = l.file.Close()
	})
}
