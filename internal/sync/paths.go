package sync

import (
	"sort"
	"strings"
)

// NormalizePath canonicalizes a store path to "/a/b" form; the root
// is "/".
func NormalizePath(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

// RemoveRedundantPaths sorts the paths and drops entries covered by a
// recursive ancestor, so that recording /a and /a/b only records /a.
func RemoveRedundantPaths(paths []string) []string {
	normalized := make([]string, 0, len(paths))
	for _, p := range paths {
		normalized = append(normalized, NormalizePath(p))
	}
	sort.Strings(normalized)

	out := normalized[:0]
	last := ""
	for _, p := range normalized {
		withSlash := strings.TrimRight(p, "/") + "/"
		if last != "" && strings.HasPrefix(withSlash, last) {
			continue
		}
		last = withSlash
		out = append(out, p)
	}
	return out
}

// isRootPath reports whether path names the store root.
func isRootPath(path string) bool {
	return strings.Trim(path, "/") == ""
}

// splitParent splits a non-root path into its parent path and final
// segment.
func splitParent(path string) (parent, name string) {
	trimmed := strings.Trim(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "/", trimmed
	}
	return "/" + trimmed[:idx], trimmed[idx+1:]
}
