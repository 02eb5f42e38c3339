package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/urfave/cli/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/mirror"
)

// Rotation limits for the watch-mode log file.
const (
	logMaxSizeMB  = 50
	logMaxBackups = 5
	logMaxAgeDays = 28
)

// watchCommand creates the watch subcommand.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Continuously record store changes into the working tree",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:   "setup-child",
				Usage:  "Run only the initial tree build and print its state as JSON",
				Hidden: true,
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			env, err := setupEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			setupChild := cmd.Bool("setup-child")
			if env.cfg.LogFile != "" && !setupChild {
				setupFileLogging(cmd, env.cfg.LogFile)
			}

			watcher := mirror.NewWatcher(env.syncer,
				mirror.WithLogger(slog.Default()),
				mirror.WithInterval(env.cfg.WatchInterval))

			if setupChild {
				return runSetupChild(ctx, watcher)
			}

			if env.cfg.SetupInSubprocess {
				state, err := setupInChild(ctx, cmd)
				if err != nil {
					return fmt.Errorf("setup in subprocess: %w", err)
				}
				if err := watcher.ImportState(state); err != nil {
					return fmt.Errorf("import setup state: %w", err)
				}
				slog.InfoContext(ctx, "setup state imported",
					"objects", len(state.Nodes), "last_visible", state.LastVisible)
			} else if err := watcher.Setup(ctx); err != nil {
				return fmt.Errorf("setup: %w", err)
			}

			return watcher.Run(ctx)
		},
	}
}

// setupFileLogging reroutes the global logger to a rotating log file.
// The initial tree build can take minutes on large stores and the
// watcher then runs unattended, so stderr is the wrong place.
func setupFileLogging(cmd *cli.Command, path string) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}

	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if getLogFormat() == LogFormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// runSetupChild performs the initial build in this process and hands
// the resulting state to the parent on stdout.
func runSetupChild(ctx context.Context, watcher *mirror.Watcher) error {
	if err := watcher.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	data, err := watcher.ExportState().Encode()
	if err != nil {
		return fmt.Errorf("encode setup state: %w", err)
	}
	if _, err := os.Stdout.Write(data); err != nil {
		return fmt.Errorf("write setup state: %w", err)
	}
	return nil
}

// setupInChild re-executes this binary in setup-child mode and decodes
// the state it prints. The child's peak memory for the full-tree build
// is released to the OS when it exits, which a single long-lived
// process would keep.
func setupInChild(ctx context.Context, cmd *cli.Command) (mirror.State, error) {
	exe, err := os.Executable()
	if err != nil {
		return mirror.State{}, fmt.Errorf("resolve executable: %w", err)
	}

	var args []string
	if cfgPath := cmd.String("config"); cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	if dir := cmd.String("dir"); dir != "" {
		args = append(args, "--dir", dir)
	}
	if cmd.Bool("verbose") {
		args = append(args, "--verbose")
	}
	args = append(args, "watch", "--setup-child")

	child := exec.CommandContext(ctx, exe, args...)
	child.Stderr = os.Stderr

	out, err := child.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return mirror.State{}, &apperrors.ExitError{Cmd: "watch --setup-child", Code: exitErr.ExitCode()}
		}
		return mirror.State{}, fmt.Errorf("run setup child: %w", err)
	}
	return mirror.DecodeState(out)
}
