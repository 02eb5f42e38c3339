package vcs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/fclairamb/objsync/internal/apperrors"
)

func commitOptions() *git.CommitOptions {
	return &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()},
	}
}

// fakeRunner serves canned git output per subcommand and records the
// invocations.
type fakeRunner struct {
	responses map[string]string
	calls     [][]string
	fail      map[string]int
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	key := args[0]
	if code, ok := f.fail[key]; ok {
		return "", &apperrors.ExitError{Cmd: "git " + strings.Join(args, " "), Code: code}
	}
	return f.responses[key], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRepo initializes a repository with a fake git runner and one
// helper to commit the current tree through go-git.
func newTestRepo(t *testing.T, runner Runner) *Repo {
	t.Helper()
	if runner == nil {
		runner = &fakeRunner{responses: map[string]string{}}
	}
	repo, err := Open(t.TempDir(), WithLogger(testLogger()), WithRunner(runner))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	return repo
}

// commitFiles writes the given files and commits them, returning the
// new revision.
func commitFiles(t *testing.T, repo *Repo, message string, files map[string]string) string {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(repo.Dir(), name)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	worktree, err := repo.repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	for name := range files {
		if _, err := worktree.Add(name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	hash, err := worktree.Commit(message, commitOptions())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash.String()
}

func TestHeadAndBranches(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, nil)
	rev := commitFiles(t, repo, "initial", map[string]string{"a.txt": "a"})

	hash, branch, err := repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if hash != rev {
		t.Errorf("head = %s, want %s", hash, rev)
	}
	if branch == "" {
		t.Error("expected a branch name, got detached HEAD")
	}

	branches, err := repo.Branches()
	if err != nil {
		t.Fatalf("branches: %v", err)
	}
	if branches[branch] != rev {
		t.Errorf("branch %q points at %s, want %s", branch, branches[branch], rev)
	}
}

func TestDiffPaths(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, nil)
	old := commitFiles(t, repo, "initial", map[string]string{
		"keep.txt":        "same",
		"change.txt":      "before",
		"dir/nested.txt":  "x",
		"dir/removed.txt": "y",
	})

	if err := os.Remove(filepath.Join(repo.Dir(), "dir", "removed.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	worktree, err := repo.repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := worktree.Remove("dir/removed.txt"); err != nil {
		t.Fatalf("git rm: %v", err)
	}
	newRev := commitFiles(t, repo, "second", map[string]string{
		"change.txt": "after",
		"added.txt":  "new",
	})

	paths, err := repo.DiffPaths(old, newRev)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	want := []string{"added.txt", "change.txt", "dir/removed.txt"}
	if !slices.Equal(paths, want) {
		t.Errorf("diff paths = %v, want %v", paths, want)
	}
}

func TestIsAncestor(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, nil)
	first := commitFiles(t, repo, "first", map[string]string{"a.txt": "1"})
	second := commitFiles(t, repo, "second", map[string]string{"a.txt": "2"})

	ok, err := repo.IsAncestor(first, second)
	if err != nil {
		t.Fatalf("is-ancestor: %v", err)
	}
	if !ok {
		t.Error("first commit not recognized as ancestor")
	}
	ok, err = repo.IsAncestor(second, first)
	if err != nil {
		t.Fatalf("is-ancestor: %v", err)
	}
	if ok {
		t.Error("descendant reported as ancestor")
	}
}

func TestDirtyPathsParsing(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{responses: map[string]string{
		"status": " M a.txt\n?? new dir/file.txt\nR  old.txt -> renamed.txt\n",
	}}
	repo := newTestRepo(t, runner)

	paths, err := repo.DirtyPaths(context.Background())
	if err != nil {
		t.Fatalf("dirty paths: %v", err)
	}
	want := []string{"a.txt", "new dir/file.txt", "old.txt", "renamed.txt"}
	if !slices.Equal(paths, want) {
		t.Errorf("dirty paths = %v, want %v", paths, want)
	}
}

func TestMutationsGoThroughRunner(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{responses: map[string]string{}}
	repo := newTestRepo(t, runner)
	ctx := context.Background()

	if err := repo.StashPush(ctx); err != nil {
		t.Fatalf("stash push: %v", err)
	}
	if err := repo.ResetHard(ctx, "abc123"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := repo.BranchForce(ctx, "main", "abc123"); err != nil {
		t.Fatalf("branch: %v", err)
	}

	want := [][]string{
		{"stash", "push", "--include-untracked"},
		{"reset", "--hard", "abc123"},
		{"branch", "-f", "main", "abc123"},
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("git invoked %d times, want %d", len(runner.calls), len(want))
	}
	for i, args := range want {
		if !slices.Equal(runner.calls[i], args) {
			t.Errorf("call %d = %v, want %v", i, runner.calls[i], args)
		}
	}
}

func TestMutationFailureCarriesExitCode(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{
		responses: map[string]string{},
		fail:      map[string]int{"cherry-pick": 1},
	}
	repo := newTestRepo(t, runner)

	err := repo.CherryPick(context.Background(), "abc123")
	var exitErr *apperrors.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want ExitError", err)
	}
	if exitErr.Code != 1 {
		t.Errorf("exit code = %d, want 1", exitErr.Code)
	}
}

func TestInterruptedMarker(t *testing.T) {
	t.Parallel()
	repo := newTestRepo(t, nil)
	commitFiles(t, repo, "initial", map[string]string{"a.txt": "a"})

	if err := repo.CheckClean(); err != nil {
		t.Fatalf("clean repo reported interrupted: %v", err)
	}

	marker := filepath.Join(repo.Dir(), ".git", "MERGE_HEAD")
	if err := os.WriteFile(marker, []byte("deadbeef\n"), 0600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	err := repo.CheckClean()
	if !errors.Is(err, apperrors.ErrInterruptedOperation) {
		t.Errorf("err = %v, want ErrInterruptedOperation", err)
	}
}
