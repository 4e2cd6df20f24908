package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath canonicalizes a candidate path for containment checks: home
// shorthand expanded, relative paths anchored at workdir, `..` collapsed and
// symlinks resolved. Containment decisions must only ever look at the value
// returned here, never at the literal text.
func ResolvePath(path, workdir string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	path = expandHome(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(workdir, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return resolveSymlinks(abs), nil
}

// resolveSymlinks resolves symlinks, falling back to resolving the parent
// for paths that do not exist yet.
func resolveSymlinks(abs string) string {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved
	}
	if os.IsNotExist(err) {
		parent := filepath.Dir(abs)
		if resolvedParent, err2 := filepath.EvalSymlinks(parent); err2 == nil {
			return filepath.Join(resolvedParent, filepath.Base(abs))
		}
	}
	return abs
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// isSubpath checks if child is equal to or a subdirectory of parent. Both
// sides must already be canonical.
func isSubpath(child, parent string) bool {
	if child == parent {
		return true
	}
	prefix := parent + string(filepath.Separator)
	return strings.HasPrefix(child, prefix)
}

// DirSet is an immutable set of directory prefixes. Prefixes are
// canonicalized at construction so that membership tests compare resolved
// forms on both sides.
type DirSet struct {
	prefixes []string
}

// NewDirSet builds a set from absolute directory prefixes.
func NewDirSet(dirs []string) (*DirSet, error) {
	prefixes := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = expandHome(d)
		if !filepath.IsAbs(d) {
			return nil, fmt.Errorf("directory prefix %q is not absolute", d)
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("resolve prefix %q: %w", d, err)
		}
		prefixes = append(prefixes, resolveSymlinks(abs))
	}
	return &DirSet{prefixes: prefixes}, nil
}

// Contains reports whether a resolved path falls under one of the set's
// prefixes. The argument must come from ResolvePath.
func (s *DirSet) Contains(resolved string) bool {
	if s == nil {
		return false
	}
	for _, p := range s.prefixes {
		if isSubpath(resolved, p) {
			return true
		}
	}
	return false
}

// Prefixes returns a copy of the canonicalized prefixes.
func (s *DirSet) Prefixes() []string {
	out := make([]string, len(s.prefixes))
	copy(out, s.prefixes)
	return out
}

// Empty reports whether the set has no prefixes.
func (s *DirSet) Empty() bool {
	return s == nil || len(s.prefixes) == 0
}
