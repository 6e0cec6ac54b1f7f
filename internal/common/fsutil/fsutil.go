// Package fsutil holds small filesystem helpers used for config discovery.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists reports whether path exists. Permission errors count as existing.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// FirstExisting returns the first of paths that exists after home expansion,
// or "" when none does.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		full, err := ExpandHome(p)
		if err != nil {
			continue
		}
		if PathExists(full) {
			return full
		}
	}
	return ""
}
