package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveDestinationPath checks that destPath can hold received files. An
// existing directory is used as is; a missing one is created when its
// parent exists.
func ResolveDestinationPath(destPath string) (string, error) {
	info, err := os.Stat(destPath)
	switch {
	case err == nil:
		if info.IsDir() {
			return destPath, nil
		}
		return "", fmt.Errorf("destination path '%s' exists but is not a directory", destPath)
	case os.IsNotExist(err):
		dir := filepath.Dir(destPath)
		if info, dirErr := os.Stat(dir); dirErr != nil || !info.IsDir() {
			return "", fmt.Errorf("parent directory does not exist: %s", dir)
		}
		if err := os.Mkdir(destPath, 0o755); err != nil {
			return "", fmt.Errorf("failed to create destination directory: %w", err)
		}
		return destPath, nil
	default:
		return "", fmt.Errorf("cannot access destination path: %w", err)
	}
}
