package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizeDir returns an absolute, cleaned form of path. Symlinks are not resolved.
func NormalizeDir(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", os.ErrInvalid
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// IsDir reports whether path names an existing directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsWithin reports whether child equals parent or lies beneath it, comparing
// whole path components so that /p does not contain /pp.
func IsWithin(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	if parentPath == childPath {
		return true
	}
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
