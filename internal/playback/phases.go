package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strings"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/sync"
)

// Phase is one ordered unit of playback work: a named set of store
// paths and an optional follow-up shell command that receives the
// paths on standard input.
type Phase struct {
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
	Cmd   string   `json:"cmd,omitempty"`
}

// hookInput is what the phase hook reads on standard input.
type hookInput struct {
	Paths []string `json:"paths"`
}

// ToStorePaths maps changed repository file paths to the store paths
// they belong to: entries under the mirrored site directory have
// their reserved file name stripped, everything else (the watermark
// file, repository metadata) is ignored. The result is sorted and
// deduplicated.
func ToStorePaths(files []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, file := range files {
		rest, ok := strings.CutPrefix(path.Clean(file), sync.SiteDir)
		if !ok || (rest != "" && rest[0] != '/') {
			continue
		}
		rest = strings.TrimPrefix(rest, "/")
		dir := rest
		if base := path.Base(rest); sync.IsIgnored(base) {
			dir = path.Dir(rest)
			if dir == "." {
				dir = ""
			}
		}
		storePath := sync.NormalizePath(dir)
		if _, dup := seen[storePath]; !dup {
			seen[storePath] = struct{}{}
			out = append(out, storePath)
		}
	}
	sort.Strings(out)
	return out
}

// phases turns the candidate paths into the ordered phase list:
// through the configured hook process when one is set, otherwise a
// single default phase holding everything. A non-zero hook exit
// aborts before any store write.
func (c *Controller) phases(ctx context.Context, paths []string) ([]Phase, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if c.hook == "" {
		return []Phase{{Name: "default", Paths: paths}}, nil
	}

	input, err := json.Marshal(hookInput{Paths: paths})
	if err != nil {
		return nil, fmt.Errorf("encode hook input: %w", err)
	}

	c.logger.DebugContext(ctx, "running playback hook", "hook", c.hook, "paths", len(paths))
	cmd := exec.CommandContext(ctx, c.hook)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if detail != "" {
				return nil, fmt.Errorf("%s: %w", detail, apperrors.ErrHookAborted)
			}
			return nil, apperrors.ErrHookAborted
		}
		return nil, fmt.Errorf("run hook %s: %w", c.hook, err)
	}

	var phases []Phase
	if err := json.Unmarshal(stdout.Bytes(), &phases); err != nil {
		return nil, fmt.Errorf("decode hook output: %w", err)
	}
	return phases, nil
}

// runPhaseCmd executes a phase's follow-up command through the shell,
// piping the phase's path list to it one path per line and draining
// its output before returning.
func (c *Controller) runPhaseCmd(ctx context.Context, phase Phase) error {
	c.logger.InfoContext(ctx, "running phase command", "phase", phase.Name, "cmd", phase.Cmd)
	cmd := exec.CommandContext(ctx, "sh", "-c", phase.Cmd)
	cmd.Stdin = strings.NewReader(strings.Join(phase.Paths, "\n") + "\n")
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		c.logger.InfoContext(ctx, "phase command output", "phase", phase.Name, "output", strings.TrimSpace(string(out)))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &apperrors.ExitError{Cmd: phase.Cmd, Code: exitErr.ExitCode()}
		}
		return fmt.Errorf("run %q: %w", phase.Cmd, err)
	}
	return nil
}
