package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fclairamb/objsync/internal/apperrors"
)

// lockFile is the well-known lock file inside the repository.
const lockFile = "__lock__"

// LockedEnv marks processes spawned by a lock holder. Acquire treats
// it as proof of possession, so commands nested under with-lock or
// exec do not deadlock against their parent.
const LockedEnv = "OSYNC_LOCKED"

// lockRetryDelay is the poll interval while waiting for a contended
// lock.
const lockRetryDelay = 100 * time.Millisecond

// Lock serializes mutating operations on one working tree across
// processes via an exclusive flock on a file inside the repository.
type Lock struct {
	path   string
	f      *os.File
	logger *slog.Logger
}

// NewLock returns the lock guarding the repository at baseDir.
func NewLock(baseDir string, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{path: filepath.Join(baseDir, lockFile), logger: logger}
}

// Acquire claims the lock: a non-blocking attempt first, then
// retries until the timeout elapses. On timeout it returns
// apperrors.ErrLockTimeout; callers treat that as fatal for the whole
// operation, since proceeding under another holder's lock would
// corrupt the mirror.
func (l *Lock) Acquire(timeout time.Duration) error {
	if os.Getenv(LockedEnv) != "" {
		l.logger.Debug("lock already held by a parent process", "path", l.path)
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, filePerm) //nolint:gosec // path is application controlled
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	waited := false
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.f = f
			if waited {
				l.logger.Debug("lock acquired after waiting", "path", l.path)
			}
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			_ = f.Close()
			return fmt.Errorf("flock %s: %w", l.path, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return fmt.Errorf("%s: %w", l.path, apperrors.ErrLockTimeout)
		}
		if !waited {
			l.logger.Info("waiting for lock", "path", l.path, "timeout", timeout)
			waited = true
		}
		time.Sleep(lockRetryDelay)
	}
}

// Release drops the lock. Safe to call on an unheld lock, so it can
// sit in a defer on every exit path.
func (l *Lock) Release() {
	if l.f == nil {
		return
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.logger.Warn("unlock failed", "path", l.path, "error", err)
	}
	_ = l.f.Close()
	l.f = nil
}
