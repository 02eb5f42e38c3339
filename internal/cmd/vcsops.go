package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/sync"
	"github.com/fclairamb/objsync/internal/vcs"
)

// dryRunFlag is shared by every command that routes through the
// playback controller.
var dryRunFlag = &cli.BoolFlag{
	Name:  "dry-run",
	Usage: "Roll everything back at the end, reporting what would change",
}

// applyOp runs op through the playback controller under the
// working-tree lock. Every git-mutating command funnels through here.
func applyOp(ctx context.Context, cmd *cli.Command, note string, op func(ctx context.Context, repo *vcs.Repo) error) error {
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

	repo, err := env.openRepo()
	if err != nil {
		return err
	}
	ctl := env.openController(repo)

	dryRun := cmd.Bool("dry-run")
	if err := ctl.Apply(ctx, note, dryRun, func(ctx context.Context) error {
		return op(ctx, repo)
	}); err != nil {
		return err
	}
	if dryRun {
		displayDryRunComplete(note)
	}
	return nil
}

// pickCommand creates the pick subcommand.
func pickCommand() *cli.Command {
	return &cli.Command{
		Name:      "pick",
		Usage:     "Cherry-pick commits onto HEAD and play the changes back into the store",
		ArgsUsage: "<commits...>",
		Flags: []cli.Flag{
			dryRunFlag,
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrRevisionRequired
			}
			revs := cmd.Args().Slice()
			note := "pick " + strings.Join(revs, " ")

			return applyOp(ctx, cmd, note, func(ctx context.Context, repo *vcs.Repo) error {
				for _, rev := range revs {
					hash, err := repo.ResolveRevision(rev)
					if err != nil {
						return err
					}
					contained, err := repo.IsAncestor(hash, "HEAD")
					if err != nil {
						return err
					}
					if contained {
						return fmt.Errorf("%s: %w", rev, apperrors.ErrNotAncestor)
					}
					if err := repo.CherryPick(ctx, rev); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

// resetCommand creates the reset subcommand.
func resetCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset",
		Usage:     "Hard-reset the working tree to a revision and play the difference back",
		ArgsUsage: "<revision>",
		Flags: []cli.Flag{
			dryRunFlag,
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrRevisionRequired
			}
			rev := cmd.Args().Get(0)

			return applyOp(ctx, cmd, "reset "+rev, func(ctx context.Context, repo *vcs.Repo) error {
				if _, err := repo.ResolveRevision(rev); err != nil {
					return err
				}
				return repo.ResetHard(ctx, rev)
			})
		},
	}
}

// checkoutCommand creates the checkout subcommand.
func checkoutCommand() *cli.Command {
	return &cli.Command{
		Name:      "checkout",
		Usage:     "Check out a branch or revision and play the difference back",
		ArgsUsage: "<ref>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "branch",
				Aliases: []string{"b"},
				Usage:   "Create the branch at HEAD before checking it out",
			},
			dryRunFlag,
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrRevisionRequired
			}
			ref := cmd.Args().Get(0)

			return applyOp(ctx, cmd, "checkout "+ref, func(ctx context.Context, repo *vcs.Repo) error {
				if cmd.Bool("branch") {
					return repo.CheckoutNew(ctx, ref)
				}
				return repo.Checkout(ctx, ref)
			})
		},
	}
}

// ffCommand creates the ff subcommand.
func ffCommand() *cli.Command {
	return &cli.Command{
		Name:      "ff",
		Usage:     "Fast-forward HEAD to a revision and play the difference back",
		ArgsUsage: "<revision>",
		Flags: []cli.Flag{
			dryRunFlag,
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrRevisionRequired
			}
			rev := cmd.Args().Get(0)

			return applyOp(ctx, cmd, "ff "+rev, func(ctx context.Context, repo *vcs.Repo) error {
				return repo.MergeFF(ctx, rev)
			})
		},
	}
}

// execCommand creates the exec subcommand.
func execCommand() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "Run a shell command in the working tree and play its changes back",
		ArgsUsage: "<command...>",
		Flags: []cli.Flag{
			dryRunFlag,
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrCommandRequired
			}
			shellCmd := strings.Join(cmd.Args().Slice(), " ")

			return applyOp(ctx, cmd, "exec "+shellCmd, func(ctx context.Context, repo *vcs.Repo) error {
				return runShell(ctx, repo.Dir(), shellCmd)
			})
		},
	}
}

// withLockCommand creates the with-lock subcommand.
func withLockCommand() *cli.Command {
	return &cli.Command{
		Name:      "with-lock",
		Usage:     "Run a shell command while holding the working-tree lock",
		ArgsUsage: "<command...>",
		Flags: []cli.Flag{
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrCommandRequired
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

			return runShell(ctx, env.cfg.BaseDir, strings.Join(cmd.Args().Slice(), " "))
		},
	}
}

// runShell executes a command line via sh -c in dir, with stdio
// inherited and the lock marker exported for nested objsync calls.
func runShell(ctx context.Context, dir, cmdline string) error {
	shell := exec.CommandContext(ctx, "sh", "-c", cmdline)
	shell.Dir = dir
	shell.Env = append(os.Environ(), sync.LockedEnv+"=1")
	shell.Stdin = os.Stdin
	shell.Stdout = os.Stdout
	shell.Stderr = os.Stderr

	if err := shell.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &apperrors.ExitError{Cmd: cmdline, Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("run %q: %w", cmdline, err)
	}
	return nil
}
