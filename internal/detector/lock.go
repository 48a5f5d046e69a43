package detector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another detector holds the lock file
var ErrLocked = errors.New("another detector is running")

// InstanceLock keeps a second detector on this host from consuming the same
// frame channel.
type InstanceLock struct {
	path string
	lock *flock.Flock
}

// AcquireLock takes the lock at path without blocking. An empty path returns
// a no-op lock.
func AcquireLock(path string) (*InstanceLock, error) {
	if path == "" {
		return &InstanceLock{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrLocked, path)
	}
	return &InstanceLock{path: path, lock: l}, nil
}

// Path returns the lock file path
func (l *InstanceLock) Path() string {
	return l.path
}

// Release unlocks the file
func (l *InstanceLock) Release() error {
	if l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
