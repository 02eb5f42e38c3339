package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/fclairamb/objsync/internal/apperrors"
)

// Runner executes git commands against a working tree. Only exit
// codes and line-oriented stdout are inspected; stderr is attached to
// the returned error.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs the git binary through os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner returns a runner invoking the git binary.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run executes git with the given arguments in dir and returns its
// standard output. A non-zero exit surfaces as an ExitError carrying
// the code, wrapped with whatever the command wrote to stderr.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	r.logger.DebugContext(ctx, "running git", "dir", dir, "args", args)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(stderr.String())
		appErr := &apperrors.ExitError{Cmd: "git " + strings.Join(args, " "), Code: exitErr.ExitCode()}
		if detail != "" {
			return stdout.String(), fmt.Errorf("%s: %w", detail, appErr)
		}
		return stdout.String(), appErr
	}
	return stdout.String(), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
}
