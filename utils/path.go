package utils

import (
	"path/filepath"
	"strings"
)

// IsPathWithin reports whether path, after resolving symlinks, lies under any
// of the roots.
func IsPathWithin(path string, roots []string) bool {
	absPath, err := resolve(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		absRoot, err := resolve(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, absPath)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func resolve(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	return filepath.Abs(resolved)
}
