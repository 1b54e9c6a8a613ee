package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateDatabasePath checks that a database file path is usable before
// anything is created on disk. Absolute paths are allowed; embedded NUL
// bytes and traversal components are not.
func ValidateDatabasePath(path string) error {
	if path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("database path contains NUL byte")
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("database path contains directory traversal: %s", path)
	}

	return nil
}

// ValidatePathWithBase checks that a relative path stays inside baseDir
// once resolved. Used for anything written under the state directory.
func ValidatePathWithBase(path, baseDir string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	fullPath := filepath.Clean(filepath.Join(baseDir, path))
	cleanBase := filepath.Clean(baseDir)

	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", path)
	}

	return nil
}
