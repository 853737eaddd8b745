// Package flock provides non-blocking advisory file locking via flock(2).
//
// flock is advisory and applies to an inode, not a pathname: all cooperating
// processes must take the lock for it to have effect. Lock files are created
// lazily and never deleted while locks may be held.
//
// This implementation is Unix-only.
package flock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by [TryLock] when another process holds the lock.
var ErrWouldBlock = errors.New("flock: lock would block")

// Lock represents a held exclusive file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu   sync.Mutex
	file *os.File
}

// TryLock attempts to acquire an exclusive lock on the file at path without
// blocking, creating the file if needed.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the lock
// is held elsewhere.
func TryLock(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	flockErr := flockRetryEINTR(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if flockErr != nil {
		_ = file.Close()

		if errors.Is(flockErr, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrWouldBlock, path)
		}

		return nil, fmt.Errorf("flock %s: %w", path, flockErr)
	}

	return &Lock{file: file}, nil
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent; subsequent calls return nil. The lock file itself is
// left on disk so other processes can keep locking the same inode.
func (l *Lock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())

	unlockErr := flockRetryEINTR(fd, unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// flockRetryEINTR retries flock(2) when interrupted by a signal.
func flockRetryEINTR(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
