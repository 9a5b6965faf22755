// Package instance keeps a single pwman-desktop daemon per user, so that only
// one supervisor ever owns the sync server.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrAlreadyRunning = errors.New("another pwman-desktop instance is already running")

// Lock is an acquired instance lock.
type Lock struct {
	lock *flock.Flock
}

// Acquire takes the lock file at path without blocking.
// It returns ErrAlreadyRunning if another process holds it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return &Lock{lock: fl}, nil
}

func (l *Lock) Path() string { return l.lock.Path() }

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	return l.lock.Unlock()
}
