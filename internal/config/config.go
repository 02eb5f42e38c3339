// Package config loads the objsync configuration from an optional
// YAML file and OSYNC_-prefixed environment variables, environment
// taking precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fclairamb/objsync/internal/apperrors"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "objsync.yaml"

// Config holds everything the commands need.
type Config struct {
	// BaseDir is the git working tree holding the recorded object tree.
	BaseDir string `koanf:"base_dir"`
	// StorePath is the object store's transaction log file.
	StorePath string `koanf:"store_path"`
	// DefaultOwner is suppressed in recorded metadata and assumed on
	// playback when absent.
	DefaultOwner string `koanf:"default_owner"`

	// Commit identity and message for record --commit.
	CommitName    string `koanf:"commit_name"`
	CommitEmail   string `koanf:"commit_email"`
	CommitMessage string `koanf:"commit_message"`

	// PlaybackHook is an executable turning playback candidate paths
	// into phases.
	PlaybackHook string `koanf:"playback_hook"`

	// WatchInterval is the poll interval of the watch loop.
	WatchInterval time.Duration `koanf:"watch_interval"`
	// LogFile, when set, routes watch-mode logs to a rotating file.
	LogFile string `koanf:"log_file"`
	// SetupInSubprocess runs the initial full-tree build in a child
	// process to bound the long-lived watcher's peak memory.
	SetupInSubprocess bool `koanf:"setup_in_subprocess"`

	// LockTimeout bounds how long commands wait for the working-tree
	// lock before giving up.
	LockTimeout time.Duration `koanf:"lock_timeout"`
}

// Load reads the configuration. path may be empty, in which case
// DefaultPath is used when present; a missing explicit path is an
// error, a missing default is not.
func Load(path string) (*Config, error) {
	cfg := &Config{
		CommitName:    "objsync",
		CommitEmail:   "objsync@localhost",
		CommitMessage: "objsync",
		WatchInterval: 10 * time.Second,
		LockTimeout:   60 * time.Second,
	}

	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{Prefix: "OSYNC_"}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the paths every command needs are present.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return apperrors.ErrBaseDirRequired
	}
	if c.StorePath == "" {
		return apperrors.ErrStorePathRequired
	}
	return nil
}
