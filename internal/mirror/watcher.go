package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb"
	"github.com/fclairamb/objsync/internal/sync"
)

// DefaultInterval is the fallback poll interval between passes.
const DefaultInterval = 10 * time.Second

// lockTimeout bounds how long a pass waits for the working-tree lock.
const lockTimeout = 60 * time.Second

// Watcher drives incremental recording: it scans the transaction log
// for changes past the watermark, updates the mirror and records the
// affected paths. Exactly one pass runs at a time.
type Watcher struct {
	store    *objdb.FileStore
	syncer   *sync.Syncer
	tree     *Tree
	lock     *sync.Lock
	logger   *slog.Logger
	interval time.Duration

	// lastVisible is the newest transaction already reflected in the
	// mirror, not necessarily on disk yet.
	lastVisible objdb.TID
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithInterval sets the poll interval between passes.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a watcher over the syncer's store and repository.
func NewWatcher(syncer *sync.Syncer, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    syncer.Store(),
		syncer:   syncer,
		tree:     NewTree(),
		logger:   slog.Default(),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.lock = sync.NewLock(syncer.BaseDir(), w.logger)
	return w
}

// Tree exposes the mirror, primarily for state handoff and tests.
func (w *Watcher) Tree() *Tree { return w.tree }

// Setup builds the full mirror from the current store state and
// catches up on everything committed since the persisted watermark.
// An absent watermark means nothing was ever recorded, so the whole
// root is recorded from scratch.
func (w *Watcher) Setup(ctx context.Context) error {
	if err := w.lock.Acquire(lockTimeout); err != nil {
		return err
	}
	defer w.lock.Release()

	if err := w.store.Refresh(); err != nil {
		return err
	}
	snap := w.store.Snapshot()
	w.lastVisible = snap.TID()

	lastReport := time.Now()
	err := w.tree.Build(snap, func(path string) {
		if time.Since(lastReport) > 2*time.Second {
			w.logger.InfoContext(ctx, "building mirror", "path", path)
			lastReport = time.Now()
		}
	})
	snap.Close()
	if err != nil {
		return fmt.Errorf("build mirror: %w", err)
	}
	w.logger.InfoContext(ctx, "mirror built", "objects", w.tree.Len())

	onDisk, err := w.syncer.ReadWatermark()
	switch {
	case errors.Is(err, apperrors.ErrNoWatermark):
		w.logger.InfoContext(ctx, "no watermark, recording everything")
		if err := w.syncer.Record([]string{"/"}, true, true); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		changed, err := objdb.ScanRange(w.store.Path(), onDisk.Next(), w.lastVisible)
		if err != nil {
			return fmt.Errorf("scan log: %w", err)
		}
		if err := w.recordChanged(ctx, changed); err != nil {
			return err
		}
	}

	if err := w.advanceWatermark(onDisk); err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "setup complete")
	return nil
}

// Pass runs one incremental scan-and-apply cycle to completion under
// the working-tree lock.
func (w *Watcher) Pass(ctx context.Context) error {
	if err := w.lock.Acquire(lockTimeout); err != nil {
		return err
	}
	defer w.lock.Release()

	// Pick up transactions other processes appended to the log.
	if err := w.store.Refresh(); err != nil {
		return err
	}

	// One consistent snapshot for the whole propagation; mixing
	// snapshots mid-pass would make move and orphan detection unsound.
	snap := w.store.Snapshot()
	start := w.lastVisible.Next()
	previous := w.lastVisible
	w.lastVisible = snap.TID()

	changed, err := objdb.ScanRange(w.store.Path(), start, w.lastVisible)
	if err != nil {
		snap.Close()
		w.lastVisible = previous
		return fmt.Errorf("scan log: %w", err)
	}
	if len(changed) == 0 {
		snap.Close()
		return nil
	}
	if err := w.tree.propagate(snap, changed, w.logger); err != nil {
		snap.Close()
		return err
	}
	snap.Close()

	if err := w.recordChanged(ctx, changed); err != nil {
		return err
	}
	return w.advanceWatermark(previous)
}

// Run executes passes until the context is cancelled: on a fixed
// interval, and immediately whenever the store's log file grows.
// Cancellation is honored only between passes; a pass in flight always
// runs to completion so the mirror and the filesystem stay consistent.
func (w *Watcher) Run(ctx context.Context) error {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create log watcher: %w", err)
	}
	defer func() { _ = notify.Close() }()
	if err := notify.Add(w.store.Path()); err != nil {
		return fmt.Errorf("watch %s: %w", w.store.Path(), err)
	}

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopping")
			return nil
		case event := <-notify.Events:
			if !event.Has(fsnotify.Write) {
				continue
			}
		case err := <-notify.Errors:
			w.logger.Warn("log watcher error", "error", err)
		case <-timer.C:
		}

		if err := w.Pass(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.interval)
	}
}

// recordChanged resolves the batch to paths and records them.
func (w *Watcher) recordChanged(ctx context.Context, changed map[objdb.OID]struct{}) error {
	paths := w.tree.changedPaths(changed)
	if len(paths) == 0 {
		return nil
	}
	w.logger.InfoContext(ctx, "recording changes", "paths", len(paths))
	return w.syncer.Record(paths, true, true)
}

// advanceWatermark persists lastVisible unless already there.
func (w *Watcher) advanceWatermark(onDisk objdb.TID) error {
	if onDisk == w.lastVisible {
		return nil
	}
	return w.syncer.WriteWatermark(w.lastVisible)
}
