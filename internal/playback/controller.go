// Package playback wraps version-control operations in a transaction:
// uncommitted local work is stashed, a baseline of every branch is
// captured, the operation runs exactly once, and the resulting diff is
// played back into the object store in phases. Any failure, conflict
// or leftover interrupted-operation marker rolls the repository back
// to the baseline.
package playback

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/sync"
)

// Git is the version-control surface the controller needs. vcs.Repo
// implements it.
type Git interface {
	Head() (hash, branch string, err error)
	Branches() (map[string]string, error)
	DiffPaths(oldRev, newRev string) ([]string, error)
	DirtyPaths(ctx context.Context) ([]string, error)
	StashPush(ctx context.Context) error
	StashPop(ctx context.Context) error
	ResetHard(ctx context.Context, rev string) error
	Checkout(ctx context.Context, ref string) error
	BranchForce(ctx context.Context, branch, rev string) error
	CheckClean() error
}

// Player writes filesystem state back into the object store.
// sync.Syncer implements it.
type Player interface {
	Playback(paths []string, opts sync.PlaybackOptions) error
}

// Controller drives one operation at a time through the
// CLEAN, BASELINED, OPERATING, COMMITTED-or-ROLLED_BACK state machine.
type Controller struct {
	git    Git
	player Player
	logger *slog.Logger

	// hook, when set, is an executable that turns the candidate path
	// list into an ordered sequence of phases.
	hook string

	// confirm, when non-nil, lets an attended operator keep going
	// after a phase command fails.
	confirm func(prompt string) bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithHook sets the phase hook executable.
func WithHook(path string) Option {
	return func(c *Controller) { c.hook = path }
}

// WithConfirm installs an operator prompt for attended runs.
func WithConfirm(confirm func(prompt string) bool) Option {
	return func(c *Controller) { c.confirm = confirm }
}

// New creates a controller over a repository and a store player.
func New(git Git, player Player, opts ...Option) *Controller {
	c := &Controller{
		git:    git,
		player: player,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.confirm == nil && stdinIsTerminal() {
		c.confirm = terminalConfirm
	}
	return c
}

// baseline is the state captured before an operation: where HEAD and
// every branch pointed, and which paths held uncommitted work.
type baseline struct {
	head     string
	branch   string
	branches map[string]string
	dirty    []string
	stashed  bool
}

// Apply runs op between baseline capture and phased playback. The
// note becomes the store transaction note for the played-back paths.
// With dryRun set, the operation and playback run normally and are
// then always rolled back, repository and store alike.
func (c *Controller) Apply(ctx context.Context, note string, dryRun bool, op func(ctx context.Context) error) error {
	if err := c.git.CheckClean(); err != nil {
		return err
	}

	base, err := c.capture(ctx)
	if err != nil {
		return err
	}

	if err := op(ctx); err != nil {
		c.rollback(ctx, base, nil)
		return fmt.Errorf("operation failed: %w", err)
	}
	if err := c.git.CheckClean(); err != nil {
		c.rollback(ctx, base, nil)
		return err
	}

	newHead, _, err := c.git.Head()
	if err != nil {
		c.rollback(ctx, base, nil)
		return err
	}
	changedFiles, err := c.git.DiffPaths(base.head, newHead)
	if err != nil {
		c.rollback(ctx, base, nil)
		return err
	}

	if conflicts := intersect(changedFiles, base.dirty); len(conflicts) > 0 {
		c.rollback(ctx, base, nil)
		return fmt.Errorf("paths %v: %w", conflicts, apperrors.ErrConflict)
	}

	storePaths := ToStorePaths(changedFiles)
	c.logger.InfoContext(ctx, "operation produced changes",
		"files", len(changedFiles),
		"paths", len(storePaths))

	phases, err := c.phases(ctx, storePaths)
	if err != nil {
		c.rollback(ctx, base, nil)
		return err
	}

	for _, phase := range phases {
		if err := c.runPhase(ctx, phase, note); err != nil {
			c.rollback(ctx, base, storePaths)
			return err
		}
	}

	if dryRun {
		c.logger.InfoContext(ctx, "dry run complete, rolling back")
		c.rollback(ctx, base, storePaths)
		return nil
	}

	if base.stashed {
		if err := c.git.StashPop(ctx); err != nil {
			c.logger.Warn("restoring stashed changes failed", "error", err)
		}
	}
	return nil
}

// capture records the baseline and stashes uncommitted work.
func (c *Controller) capture(ctx context.Context) (baseline, error) {
	head, branch, err := c.git.Head()
	if err != nil {
		return baseline{}, err
	}
	branches, err := c.git.Branches()
	if err != nil {
		return baseline{}, err
	}
	dirty, err := c.git.DirtyPaths(ctx)
	if err != nil {
		return baseline{}, err
	}
	base := baseline{head: head, branch: branch, branches: branches, dirty: dirty}
	if len(dirty) > 0 {
		c.logger.InfoContext(ctx, "stashing uncommitted changes", "paths", len(dirty))
		if err := c.git.StashPush(ctx); err != nil {
			return baseline{}, err
		}
		base.stashed = true
	}
	return base, nil
}

// runPhase plays one phase's paths into the store and runs its
// follow-up command, if declared.
func (c *Controller) runPhase(ctx context.Context, phase Phase, note string) error {
	c.logger.InfoContext(ctx, "playing back phase", "phase", phase.Name, "paths", len(phase.Paths))
	err := c.player.Playback(phase.Paths, sync.PlaybackOptions{
		Override: true,
		Note:     note,
	})
	if err != nil {
		return fmt.Errorf("phase %q: %w", phase.Name, err)
	}
	if phase.Cmd == "" {
		return nil
	}
	if err := c.runPhaseCmd(ctx, phase); err != nil {
		if c.confirm != nil && c.confirm(fmt.Sprintf("phase %q command failed (%v), continue anyway?", phase.Name, err)) {
			c.logger.Warn("continuing past failed phase command", "phase", phase.Name)
			return nil
		}
		return fmt.Errorf("phase %q: %w", phase.Name, err)
	}
	return nil
}

// rollback restores every branch, HEAD and any stashed work to the
// baseline. When replay is non-empty, the now-reverted filesystem
// state of those paths is forced back into the store in best-effort
// mode, since store writes already applied cannot be undone any other
// way. Rollback itself is best-effort: each failed step is logged and
// the rest still runs.
func (c *Controller) rollback(ctx context.Context, base baseline, replay []string) {
	c.logger.InfoContext(ctx, "rolling back", "head", base.head, "branch", base.branch)

	if err := c.git.ResetHard(ctx, base.head); err != nil {
		c.logger.Warn("rollback reset failed", "error", err)
	}
	for branch, rev := range base.branches {
		if err := c.git.BranchForce(ctx, branch, rev); err != nil {
			c.logger.Warn("rollback branch restore failed", "branch", branch, "error", err)
		}
	}
	target := base.branch
	if target == "" {
		target = base.head
	}
	if err := c.git.Checkout(ctx, target); err != nil {
		c.logger.Warn("rollback checkout failed", "target", target, "error", err)
	}
	if base.stashed {
		if err := c.git.StashPop(ctx); err != nil {
			c.logger.Warn("rollback stash restore failed", "error", err)
		}
	}

	if len(replay) > 0 {
		c.logger.InfoContext(ctx, "replaying reverted paths into the store", "paths", len(replay))
		err := c.player.Playback(replay, sync.PlaybackOptions{
			Override:   true,
			Recurse:    true,
			SkipErrors: true,
			Note:       "rollback",
		})
		if err != nil {
			c.logger.Warn("replay after rollback failed", "error", err)
		}
	}
}

// intersect returns the elements of a that also appear in b.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// stdinIsTerminal reports whether the process runs attended.
func stdinIsTerminal() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)
	return err == nil
}

// terminalConfirm asks the operator a yes/no question on the terminal.
func terminalConfirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
