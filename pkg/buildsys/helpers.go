package buildsys

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/expand"
)

// resolvePath makes path absolute. Relative paths start at dir, paths beginning with // at the
// project root.
func resolvePath(dir, projectRoot, path string) string {
	switch {
	case strings.HasPrefix(path, "//"):
		return filepath.Join(projectRoot, filepath.FromSlash(path[2:]))
	case filepath.IsAbs(path):
		return filepath.Clean(path)
	default:
		return filepath.Join(dir, filepath.FromSlash(path))
	}
}

// displayPath is the inverse of resolvePath for log messages: paths inside the project root
// become // paths, everything else is returned unchanged.
func displayPath(projectRoot, path string) string {
	rel, err := filepath.Rel(projectRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}

	if rel == "." {
		return "//"
	}
	return "//" + filepath.ToSlash(rel)
}

// taskEnviron is the process environment with overrides on top.
func taskEnviron(overrides map[string]string) expand.Environ {
	pairs := os.Environ()
	for _, name := range sortedKeys(overrides) {
		pairs = append(pairs, name+"="+overrides[name])
	}

	// ListEnviron keeps the last value of duplicate names
	return expand.ListEnviron(pairs...)
}

// fileStamp returns the modification time of path in nanoseconds or 0 if it doesn't exist.
func fileStamp(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys
}
