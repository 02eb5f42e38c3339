// Package cmd provides the CLI commands for objsync.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/fclairamb/objsync/internal/config"
	"github.com/fclairamb/objsync/internal/objdb"
	"github.com/fclairamb/objsync/internal/playback"
	"github.com/fclairamb/objsync/internal/sync"
	"github.com/fclairamb/objsync/internal/vcs"
	"github.com/fclairamb/objsync/internal/version"
)

// verboseFlag is the shared verbose flag for all commands.
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable verbose logging",
}

// LogFormat represents the log output format.
type LogFormat string

const (
	// LogFormatText is the human-readable text format (default).
	LogFormatText LogFormat = "text"
	// LogFormatJSON is the JSON-formatted structured logs.
	LogFormatJSON LogFormat = "json"
)

// getLogFormat returns the configured log format from the
// OSYNC_LOG_FORMAT environment variable.
func getLogFormat() LogFormat {
	val := strings.ToLower(os.Getenv("OSYNC_LOG_FORMAT"))
	switch val {
	case "json":
		return LogFormatJSON
	case "text", "":
		return LogFormatText
	default:
		// Invalid format - will warn after logger is set up
		return LogFormatText
	}
}

// setupLogging configures the global logger based on the verbose flag
// and OSYNC_LOG_FORMAT.
func setupLogging(cmd *cli.Command) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}

	format := getLogFormat()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))

	// Warn about invalid format after logger is set up
	envVal := strings.ToLower(os.Getenv("OSYNC_LOG_FORMAT"))
	if envVal != "" && envVal != "text" && envVal != "json" {
		slog.Warn("Invalid OSYNC_LOG_FORMAT value, using text format", "value", envVal)
	}

	if level == slog.LevelDebug {
		slog.Debug("Verbose logging enabled")
	}
}

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "objsync",
		Usage:   "Record object store changes into a git working tree and play file edits back",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Sources: cli.EnvVars("OSYNC_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "Git working tree (overrides base_dir from the configuration)",
			},
			verboseFlag,
		},
		Commands: []*cli.Command{
			recordCommand(),
			playbackCommand(),
			watchCommand(),
			pickCommand(),
			resetCommand(),
			checkoutCommand(),
			ffCommand(),
			execCommand(),
			withLockCommand(),
			logCommand(),
		},
	}
}

// appEnv bundles what every command needs: the loaded configuration,
// the open store and the syncer bridging it to the working tree.
type appEnv struct {
	cfg    *config.Config
	store  *objdb.FileStore
	syncer *sync.Syncer
}

// setupEnv loads the configuration and opens the store.
func setupEnv(cmd *cli.Command) (*appEnv, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if dir := cmd.String("dir"); dir != "" {
		cfg.BaseDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := objdb.Open(cfg.StorePath, objdb.WithLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	syncer := sync.New(cfg.BaseDir, store,
		sync.WithLogger(slog.Default()),
		sync.WithDefaultOwner(cfg.DefaultOwner))

	return &appEnv{cfg: cfg, store: store, syncer: syncer}, nil
}

// Close releases the store.
func (e *appEnv) Close() {
	if err := e.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

// acquireLock takes the working-tree lock and returns its release
// function. Processes spawned under with-lock or exec already hold it;
// Acquire recognizes that through the environment marker.
func (e *appEnv) acquireLock() (func(), error) {
	lock := sync.NewLock(e.syncer.BaseDir(), slog.Default())
	if err := lock.Acquire(e.cfg.LockTimeout); err != nil {
		return nil, err
	}
	return lock.Release, nil
}

// openRepo opens (or initializes) the git repository at the base
// directory.
func (e *appEnv) openRepo() (*vcs.Repo, error) {
	return vcs.Open(e.cfg.BaseDir, vcs.WithLogger(slog.Default()))
}

// openController wires the repository and the syncer into a playback
// controller.
func (e *appEnv) openController(repo *vcs.Repo) *playback.Controller {
	opts := []playback.Option{playback.WithLogger(slog.Default())}
	if e.cfg.PlaybackHook != "" {
		opts = append(opts, playback.WithHook(e.cfg.PlaybackHook))
	}
	return playback.New(repo, e.syncer, opts...)
}
