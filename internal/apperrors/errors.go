// Package apperrors provides common static errors used throughout the application.
package apperrors

import (
	"errors"
	"fmt"
)

// ExitError carries an exit code from a failed external process.
type ExitError struct {
	Cmd  string
	Code int
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Cmd, e.Code)
}

// Common static errors used throughout the application.
var (
	// ErrCorruptLog is returned when the store's transaction log is
	// truncated or otherwise unreadable. A scan cannot safely guess
	// which objects changed, so this is fatal for the calling pass.
	ErrCorruptLog = errors.New("corrupt transaction log")

	// ErrBadIDLength is returned when a serialized identifier does not
	// have the fixed identifier length.
	ErrBadIDLength = errors.New("identifier has wrong length")

	// ErrTxnFinished is returned when a committed or aborted write
	// transaction is used again.
	ErrTxnFinished = errors.New("transaction already finished")

	// ErrLockTimeout is returned when the working-tree lock cannot be
	// acquired within the configured timeout.
	ErrLockTimeout = errors.New("timeout while waiting for lock")

	// ErrObjectNotFound is returned when a store path names no object.
	ErrObjectNotFound = errors.New("object not found")

	// ErrTypeMismatch is returned when playback finds an existing object
	// of a different type and override mode is off.
	ErrTypeMismatch = errors.New("object type mismatch")

	// ErrUnsupportedType is returned when no adapter is registered for
	// an object's type tag.
	ErrUnsupportedType = errors.New("unsupported object type")

	// ErrMultipleSources is returned when a mirrored directory holds
	// more than one content file.
	ErrMultipleSources = errors.New("multiple source files")

	// ErrConflict is returned when an operation's change set overlaps
	// locally modified, uncommitted paths.
	ErrConflict = errors.New("conflict with uncommitted local changes")

	// ErrInterruptedOperation is returned when a leftover marker shows
	// a previous cherry-pick, merge, revert or rebase never finished.
	ErrInterruptedOperation = errors.New("interrupted git operation detected")

	// ErrHookAborted is returned when the playback hook exits non-zero
	// before any playback occurred.
	ErrHookAborted = errors.New("playback hook aborted the operation")

	// ErrNotAncestor is returned by pick when a commit is already
	// contained in HEAD.
	ErrNotAncestor = errors.New("commit is already an ancestor of HEAD")

	// ErrNoWatermark is returned when no watermark file exists yet.
	ErrNoWatermark = errors.New("no watermark recorded")

	// ErrStorePathRequired is returned when a command needs the store's
	// transaction log path but none is configured.
	ErrStorePathRequired = errors.New("store path required (set store_path in config or OSYNC_STORE_PATH)")

	// ErrBaseDirRequired is returned when no repository directory is
	// configured.
	ErrBaseDirRequired = errors.New("base directory required (set base_dir in config or OSYNC_BASE_DIR)")

	// ErrPathRequired is returned when a command needs at least one
	// store path argument.
	ErrPathRequired = errors.New("at least one path required")

	// ErrRevisionRequired is returned when a command needs a revision
	// or branch argument.
	ErrRevisionRequired = errors.New("revision required")

	// ErrCommandRequired is returned when a command needs a shell
	// command argument.
	ErrCommandRequired = errors.New("command required")
)
