// Package vcs wraps the version-controlled working tree that holds the
// recorded object tree. Read-side introspection (revisions, branches,
// diffs, ancestry) goes through go-git; working-tree mutations (stash,
// reset, checkout, cherry-pick) go through the git binary, whose exit
// codes and line-oriented output are the interface.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/fclairamb/objsync/internal/apperrors"
)

// interruptedMarkers are the .git entries left behind by a
// half-finished operation.
var interruptedMarkers = []string{
	"CHERRY_PICK_HEAD",
	"MERGE_HEAD",
	"REVERT_HEAD",
	"rebase-merge",
	"rebase-apply",
}

// Repo is one git working tree.
type Repo struct {
	dir    string
	repo   *git.Repository
	runner Runner
	logger *slog.Logger
}

// RepoOption configures a Repo.
type RepoOption func(*Repo)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) RepoOption {
	return func(r *Repo) { r.logger = l }
}

// WithRunner replaces the git process runner, mainly for tests.
func WithRunner(runner Runner) RepoOption {
	return func(r *Repo) { r.runner = runner }
}

// Open opens the repository at dir, initializing one if none exists.
func Open(dir string, opts ...RepoOption) (*Repo, error) {
	r := &Repo{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.runner == nil {
		r.runner = NewExecRunner(r.logger)
	}

	repo, err := git.PlainOpen(dir)
	if err == nil {
		r.repo = repo
		return r, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open git repo: %w", err)
	}
	r.logger.Info("initializing git repository", "dir", dir)
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init git repo: %w", err)
	}
	r.repo = repo
	return r, nil
}

// Dir returns the working tree root.
func (r *Repo) Dir() string { return r.dir }

// Head returns the current revision and, unless detached, the short
// branch name.
func (r *Repo) Head() (hash, branch string, err error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if ref.Name().IsBranch() {
		branch = ref.Name().Short()
	}
	return ref.Hash().String(), branch, nil
}

// Branches returns every local branch and the revision it points at.
func (r *Repo) Branches() (map[string]string, error) {
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Close()

	branches := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		branches[ref.Name().Short()] = ref.Hash().String()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return branches, nil
}

// ResolveRevision resolves a revision expression to a commit hash.
func (r *Repo) ResolveRevision(rev string) (string, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", rev, err)
	}
	return hash.String(), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	a, err := r.commit(ancestor)
	if err != nil {
		return false, err
	}
	d, err := r.commit(descendant)
	if err != nil {
		return false, err
	}
	ok, err := a.IsAncestor(d)
	if err != nil {
		return false, fmt.Errorf("ancestry of %s: %w", ancestor, err)
	}
	return ok, nil
}

// DiffPaths returns the sorted set of file paths differing between two
// revisions, without rename detection: a rename yields both the old
// and the new path, which is exactly what playback needs.
func (r *Repo) DiffPaths(oldRev, newRev string) ([]string, error) {
	oldTree, err := r.tree(oldRev)
	if err != nil {
		return nil, err
	}
	newTree, err := r.tree(newRev)
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(oldTree, newTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", oldRev, newRev, err)
	}

	seen := make(map[string]struct{})
	var paths []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			paths = append(paths, name)
		}
	}
	for _, change := range changes {
		add(change.From.Name)
		add(change.To.Name)
	}
	sort.Strings(paths)
	return paths, nil
}

// DirtyPaths lists paths with uncommitted modifications, staged or
// not, including untracked files.
func (r *Repo) DirtyPaths(ctx context.Context) ([]string, error) {
	out, err := r.runner.Run(ctx, r.dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		entry := line[3:]
		// Renames show as "old -> new"; both sides are dirty.
		if before, after, found := strings.Cut(entry, " -> "); found {
			paths = append(paths, unquotePath(before), unquotePath(after))
			continue
		}
		paths = append(paths, unquotePath(entry))
	}
	return paths, nil
}

// unquotePath strips the quoting git applies to unusual file names.
func unquotePath(p string) string {
	return strings.Trim(strings.TrimSpace(p), `"`)
}

// StashPush moves all uncommitted modifications aside.
func (r *Repo) StashPush(ctx context.Context) error {
	if _, err := r.runner.Run(ctx, r.dir, "stash", "push", "--include-untracked"); err != nil {
		return fmt.Errorf("stash push: %w", err)
	}
	return nil
}

// StashPop restores the most recently stashed modifications.
func (r *Repo) StashPop(ctx context.Context) error {
	if _, err := r.runner.Run(ctx, r.dir, "stash", "pop"); err != nil {
		return fmt.Errorf("stash pop: %w", err)
	}
	return nil
}

// ResetHard moves HEAD and the working tree to rev.
func (r *Repo) ResetHard(ctx context.Context, rev string) error {
	if _, err := r.runner.Run(ctx, r.dir, "reset", "--hard", rev); err != nil {
		return fmt.Errorf("reset --hard %s: %w", rev, err)
	}
	return nil
}

// Checkout switches the working tree to a branch or revision.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	if _, err := r.runner.Run(ctx, r.dir, "checkout", ref); err != nil {
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
	return nil
}

// CheckoutNew creates branch at the current HEAD and switches to it.
func (r *Repo) CheckoutNew(ctx context.Context, branch string) error {
	if _, err := r.runner.Run(ctx, r.dir, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("checkout -b %s: %w", branch, err)
	}
	return nil
}

// BranchForce points branch at rev without touching the working tree.
func (r *Repo) BranchForce(ctx context.Context, branch, rev string) error {
	if _, err := r.runner.Run(ctx, r.dir, "branch", "-f", branch, rev); err != nil {
		return fmt.Errorf("branch -f %s %s: %w", branch, rev, err)
	}
	return nil
}

// CherryPick applies one commit on top of HEAD.
func (r *Repo) CherryPick(ctx context.Context, rev string) error {
	if _, err := r.runner.Run(ctx, r.dir, "cherry-pick", rev); err != nil {
		return fmt.Errorf("cherry-pick %s: %w", rev, err)
	}
	return nil
}

// MergeFF fast-forwards HEAD to rev, failing if that is not possible.
func (r *Repo) MergeFF(ctx context.Context, rev string) error {
	if _, err := r.runner.Run(ctx, r.dir, "merge", "--ff-only", rev); err != nil {
		return fmt.Errorf("merge --ff-only %s: %w", rev, err)
	}
	return nil
}

// CommitAll stages everything and commits with the given author. A
// clean tree commits nothing and is not an error.
func (r *Repo) CommitAll(ctx context.Context, message, name, email string) error {
	dirty, err := r.DirtyPaths(ctx)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		r.logger.DebugContext(ctx, "nothing to commit")
		return nil
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  name,
			Email: email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.logger.InfoContext(ctx, "committed", "message", message, "paths", len(dirty))
	return nil
}

// Interrupted reports the first leftover marker of a half-finished
// cherry-pick, merge, revert or rebase, if any.
func (r *Repo) Interrupted() (string, bool) {
	for _, marker := range interruptedMarkers {
		if _, err := os.Stat(filepath.Join(r.dir, ".git", marker)); err == nil {
			return marker, true
		}
	}
	return "", false
}

// CheckClean returns an error when an interrupted-operation marker is
// present.
func (r *Repo) CheckClean() error {
	if marker, found := r.Interrupted(); found {
		return fmt.Errorf("%s present: %w", marker, apperrors.ErrInterruptedOperation)
	}
	return nil
}

func (r *Repo) commit(rev string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", rev, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	return commit, nil
}

func (r *Repo) tree(rev string) (*object.Tree, error) {
	commit, err := r.commit(rev)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", rev, err)
	}
	return tree, nil
}
