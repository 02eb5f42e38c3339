package sync

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/fclairamb/objsync/internal/apperrors"
	"github.com/fclairamb/objsync/internal/objdb/adapters"
)

const (
	dirPerm  = 0750 // Directory permissions: rwxr-x---
	filePerm = 0600 // File permissions: rw-------

	sourceBinary = "__source__"
	sourceText   = "__source-utf8__"
)

// fsPath maps a store path to its directory inside the repository.
func (s *Syncer) fsPath(path string) string {
	return filepath.Join(s.baseDir, SiteDir, filepath.FromSlash(strings.Trim(path, "/")))
}

// writeIfChanged writes data to path only when the file's current
// content differs byte-for-byte. Idempotent passes therefore leave
// modification times untouched and version-control diffs minimal.
func (s *Syncer) writeIfChanged(path string, data []byte) (bool, error) {
	old, err := os.ReadFile(path) //nolint:gosec // path is application controlled
	if err == nil && bytes.Equal(old, data) {
		return false, nil
	}
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// FSWrite serializes one object's record to its directory: metadata
// file, optional content file, and pruning of stray content files and
// of child entries no longer present in the record. Returns the
// record's child names.
func (s *Syncer) FSWrite(path string, rec adapters.Record) ([]string, error) {
	dir := s.fsPath(path)
	if _, err := os.Stat(dir); err != nil {
		s.logger.Info("creating directory", "path", path)
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	meta, err := s.encodeMeta(rec)
	if err != nil {
		return nil, err
	}
	wrote, err := s.writeIfChanged(filepath.Join(dir, metaFile), meta)
	if err != nil {
		return nil, err
	}
	if wrote {
		s.logger.Debug("wrote metadata", "path", path, "bytes", len(meta))
	}

	if err := s.writeSource(dir, path, rec); err != nil {
		return nil, err
	}

	contents := rec.Contents()
	if err := s.prune(dir, path, contents); err != nil {
		return nil, err
	}
	return contents, nil
}

// writeSource writes the object's content file and removes any other
// content file for the same object. A directory holds at most one
// content file at a time.
func (s *Syncer) writeSource(dir, path string, rec adapters.Record) error {
	src, text := rec.Source()
	srcName := ""
	if src != nil {
		base := sourceBinary
		if text {
			base = sourceText
		}
		srcName = base + "." + sourceExt(lastSegment(path), rec)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "__source") && name != srcName {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("remove stray source %s: %w", name, err)
			}
			s.logger.Debug("removed stray source file", "path", path, "name", name)
		}
	}

	if src == nil {
		return nil
	}
	wrote, err := s.writeIfChanged(filepath.Join(dir, srcName), src)
	if err != nil {
		return err
	}
	if wrote {
		s.logger.Debug("wrote source", "path", path, "bytes", len(src))
	}
	return nil
}

// prune removes every child entry under dir that is neither reserved
// nor present in keep.
func (s *Syncer) prune(dir, path string, keep []string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}
	for _, entry := range entries {
		name := entry.Name()
		if IsIgnored(name) {
			continue
		}
		if _, ok := keepSet[name]; ok {
			continue
		}
		s.logger.Info("removing stale entry", "path", path, "name", name)
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

// FSRead reads one object's record back from the filesystem,
// re-attaching the content file if present.
func (s *Syncer) FSRead(path string) (adapters.Record, error) {
	dir := s.fsPath(path)
	meta, err := os.ReadFile(filepath.Join(dir, metaFile)) //nolint:gosec // path is application controlled
	if err != nil {
		return nil, fmt.Errorf("read metadata of %s: %w", path, err)
	}
	rec, err := decodeMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("metadata of %s: %w", path, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var srcName string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "__source") {
			continue
		}
		if srcName != "" {
			return nil, fmt.Errorf("%s: %w", path, apperrors.ErrMultipleSources)
		}
		srcName = name
	}
	if srcName != "" {
		src, err := os.ReadFile(filepath.Join(dir, srcName)) //nolint:gosec // path is application controlled
		if err != nil {
			return nil, fmt.Errorf("read source of %s: %w", path, err)
		}
		rec["source"] = src
		rec["source_text"] = strings.HasPrefix(srcName, sourceText)
	}
	return rec, nil
}

// FSContents lists the non-reserved entries under a path, sorted.
func (s *Syncer) FSContents(path string) ([]string, error) {
	entries, err := os.ReadDir(s.fsPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var names []string
	for _, entry := range entries {
		if !IsIgnored(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// mergeContents reconciles the record's child list with the entries
// actually on disk, so playback trusts the filesystem over a possibly
// stale metadata file.
func (s *Syncer) mergeContents(rec adapters.Record, path string) (adapters.Record, error) {
	fsContents, err := s.FSContents(path)
	if err != nil {
		return nil, err
	}
	recContents := rec.Contents()
	if len(fsContents) == 0 && len(recContents) == 0 {
		return rec, nil
	}
	sorted := append([]string(nil), recContents...)
	sort.Strings(sorted)
	if slices.Equal(sorted, fsContents) {
		return rec, nil
	}
	out := rec.Clone()
	out["contents"] = fsContents
	return out, nil
}

// sweepEmptyDirs removes directories under path left completely empty
// by pruning, deepest first.
func (s *Syncer) sweepEmptyDirs(path string) error {
	dir := s.fsPath(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		childPath := path + "/" + entry.Name()
		if path == "/" {
			childPath = "/" + entry.Name()
		}
		if err := s.sweepEmptyDirs(childPath); err != nil {
			return err
		}
	}
	entries, err = os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	if len(entries) == 0 && strings.Trim(path, "/") != "" {
		s.logger.Debug("removing empty directory", "path", path)
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	return nil
}

// lastSegment returns the final path segment, or "" for the root.
func lastSegment(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	return parts[len(parts)-1]
}
