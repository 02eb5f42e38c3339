// Package sync records objects from the store into a git-controlled
// file tree and plays file changes back into the store. It owns the
// filesystem serializer, the watermark file and the working-tree lock.
package sync

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/fclairamb/objsync/internal/objdb"
	"github.com/fclairamb/objsync/internal/objdb/adapters"
)

const (
	// SiteDir is the subdirectory of the repository holding the
	// mirrored tree.
	SiteDir = "__root__"

	// reservedPrefix marks filesystem names that are never store
	// objects: metadata, sources, the watermark, the lock file.
	reservedPrefix = "__"

	// metaFile is the per-object metadata file name.
	metaFile = "__meta__"

	// progressEvery throttles progress reports during long passes.
	progressEvery = 2 * time.Second
)

// Syncer mirrors a subtree of the object store into the filesystem
// and back. All mutating entry points expect the caller to hold the
// working-tree lock.
type Syncer struct {
	baseDir      string
	store        *objdb.FileStore
	registry     *adapters.Registry
	defaultOwner string
	logger       *slog.Logger

	// progress gates periodic statistics logging.
	progress   *rate.Limiter
	numCurrent int
	numTotal   int
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = l
	}
}

// WithDefaultOwner sets the owner whose name is suppressed in
// recorded metadata and assumed on playback when absent.
func WithDefaultOwner(owner string) Option {
	return func(s *Syncer) {
		s.defaultOwner = owner
	}
}

// WithRegistry replaces the default adapter registry.
func WithRegistry(r *adapters.Registry) Option {
	return func(s *Syncer) {
		s.registry = r
	}
}

// New creates a Syncer mirroring store into baseDir.
func New(baseDir string, store *objdb.FileStore, opts ...Option) *Syncer {
	s := &Syncer{
		baseDir:  baseDir,
		store:    store,
		registry: adapters.NewRegistry(),
		logger:   slog.Default(),
		progress: rate.NewLimiter(rate.Every(progressEvery), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BaseDir returns the repository root directory.
func (s *Syncer) BaseDir() string { return s.baseDir }

// Store returns the underlying object store.
func (s *Syncer) Store() *objdb.FileStore { return s.store }

// reportProgress logs a rate-limited statistics line during long
// recording or playback passes.
func (s *Syncer) reportProgress(verb, path string) {
	s.numCurrent++
	if s.progress.Allow() {
		s.logger.Info(verb,
			"done", s.numCurrent,
			"estimated", s.numTotal,
			"path", path)
	}
}

// IsIgnored reports whether a filesystem name is reserved and must
// never be treated as a synchronized object.
func IsIgnored(name string) bool {
	return len(name) >= len(reservedPrefix) && name[:len(reservedPrefix)] == reservedPrefix
}
