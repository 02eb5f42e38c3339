package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb"
	"github.com/fclairamb/objsync/internal/sync"
)

// journalLimit bounds how far back an incremental record pass reads
// the transaction journal before falling back to a full pass.
const journalLimit = 1000

// recordCommand creates the record subcommand.
func recordCommand() *cli.Command {
	return &cli.Command{
		Name:      "record",
		Usage:     "Serialize objects from the store into the working tree",
		ArgsUsage: "[paths...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "lasttxn",
				Usage: "Record only paths changed since the last recorded transaction",
			},
			&cli.BoolFlag{
				Name:  "commit",
				Usage: "Commit the working tree after recording",
			},
			&cli.BoolFlag{
				Name:  "no-recurse",
				Usage: "Record only the named objects, not their subtrees",
			},
			&cli.BoolFlag{
				Name:  "skip-errors",
				Usage: "Log unserializable objects and continue instead of aborting",
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

			release, err := env.acquireLock()
			if err != nil {
				return err
			}
			defer release()

			recurse := !cmd.Bool("no-recurse")
			skipErrors := cmd.Bool("skip-errors")

			var paths []string
			var newest objdb.TID
			if cmd.Bool("lasttxn") {
				paths, newest, err = env.lastTxnPaths()
				if err != nil {
					return err
				}
			} else if cmd.Args().Len() > 0 {
				for _, arg := range cmd.Args().Slice() {
					paths = append(paths, sync.NormalizePath(arg))
				}
			} else {
				paths = []string{"/"}
			}

			if len(paths) > 0 {
				if err := env.syncer.Record(paths, recurse, skipErrors); err != nil {
					return fmt.Errorf("record: %w", err)
				}
			}
			if cmd.Bool("lasttxn") && !newest.IsZero() {
				if err := env.syncer.WriteWatermark(newest); err != nil {
					return err
				}
			}
			slog.InfoContext(ctx, "record complete", "paths", len(paths))

			if cmd.Bool("commit") {
				repo, err := env.openRepo()
				if err != nil {
					return err
				}
				cfg := env.cfg
				if err := repo.CommitAll(ctx, cfg.CommitMessage, cfg.CommitName, cfg.CommitEmail); err != nil {
					return fmt.Errorf("commit: %w", err)
				}
			}
			return nil
		},
	}
}

// lastTxnPaths resolves the watermark and asks the journal which paths
// changed since. A missing watermark or an exhausted journal degrades
// to a full pass from the root.
func (e *appEnv) lastTxnPaths() ([]string, objdb.TID, error) {
	watermark, err := e.syncer.ReadWatermark()
	if err != nil && !errors.Is(err, apperrors.ErrNoWatermark) {
		return nil, objdb.TID{}, err
	}

	paths, newest, fallback := e.syncer.RecentChanges(watermark, journalLimit)
	if newest.IsZero() {
		newest = e.store.LastTID()
	}
	if fallback {
		slog.Debug("journal does not cover the watermark, recording everything",
			"watermark", watermark)
		return []string{"/"}, newest, nil
	}
	return paths, newest, nil
}

// playbackCommand creates the playback subcommand.
func playbackCommand() *cli.Command {
	return &cli.Command{
		Name:      "playback",
		Usage:     "Parse working tree files at the given paths back into the store",
		ArgsUsage: "<paths...>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "override",
				Usage: "Replace objects whose type changed, deleting their subtrees",
			},
			&cli.BoolFlag{
				Name:  "no-recurse",
				Usage: "Play back only the named objects, not their subtrees",
			},
			&cli.BoolFlag{
				Name:  "skip-errors",
				Usage: "Log unparsable directories and continue instead of aborting",
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrPathRequired
			}
			var paths []string
			for _, arg := range cmd.Args().Slice() {
				paths = append(paths, sync.NormalizePath(arg))
			}

			env, err := setupEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			release, err := env.acquireLock()
			if err != nil {
				return err
			}
			defer release()

			opts := sync.PlaybackOptions{
				Recurse:    !cmd.Bool("no-recurse"),
				Override:   cmd.Bool("override"),
				SkipErrors: cmd.Bool("skip-errors"),
				Note:       "playback " + strings.Join(paths, " "),
			}
			if err := env.syncer.Playback(paths, opts); err != nil {
				return fmt.Errorf("playback: %w", err)
			}
			slog.InfoContext(ctx, "playback complete", "paths", len(paths))
			return nil
		},
	}
}

// logCommand creates the log subcommand.
func logCommand() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "Show recent store transactions, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of transactions to show",
				Value:   20,
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			env, err := setupEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			displayJournal(env.store.Journal(cmd.Int("limit")))
			return nil
		},
	}
}
