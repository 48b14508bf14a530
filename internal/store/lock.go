package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
)

// LockFileName is the lock file created in the data directory.
const LockFileName = "monitor.lock"

// DirLock is a cross-process exclusive lock on a data directory. It keeps
// two monitors from writing the same index.
type DirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDirLock creates a lock for dir. Nothing is acquired until TryLock.
func NewDirLock(dir string) *DirLock {
	path := filepath.Join(dir, LockFileName)
	return &DirLock{
		path:  path,
		flock: flock.New(path),
	}
}

// TryLock acquires the lock without blocking. When another process holds
// it, the error carries ErrCodeLockHeld.
func (l *DirLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return derrors.New(derrors.ErrCodeFilePermission,
			"cannot create data directory", err).WithDetail("path", filepath.Dir(l.path))
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	if !acquired {
		return derrors.New(derrors.ErrCodeLockHeld,
			"another docindex monitor is running on this index", nil).
			WithDetail("lock", l.path).
			WithSuggestion("Stop the other 'docindex watch' or 'docindex serve' process")
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. It is safe to call on an unlocked DirLock.
func (l *DirLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}
