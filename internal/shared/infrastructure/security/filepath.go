// Package security validates operator-supplied file paths before they
// are opened. Plan files are the only input read from paths given on
// the command line or in config, so the checks center on shell
// metacharacters and directory escapes.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// shellMetaChars are rejected outright; plan paths come from flags and
// config and never legitimately contain them.
var shellMetaChars = []string{";", "&", "|", "$", "`", "(", ")", "{", "}", "<", ">", "!", "\n", "\r"}

// ValidateFilePath cleans the path, anchors relative paths to the
// working directory and resolves symlinks. Paths to files that do not
// exist yet come back cleaned but unresolved.
func ValidateFilePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	for _, char := range shellMetaChars {
		if strings.Contains(path, char) {
			return "", fmt.Errorf("file path contains forbidden character %q: %s", char, path)
		}
	}

	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		clean = filepath.Join(cwd, clean)
	}

	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return clean, nil
		}
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	return resolved, nil
}

// ValidateFilePathInDir additionally requires the validated path to sit
// inside baseDir, so a configured plan directory cannot be escaped with
// ".." or a symlink.
func ValidateFilePathInDir(path, baseDir string) (string, error) {
	if baseDir == "" {
		return "", fmt.Errorf("base directory cannot be empty")
	}

	clean, err := ValidateFilePath(path)
	if err != nil {
		return "", err
	}

	base := filepath.Clean(baseDir)
	if !filepath.IsAbs(base) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		base = filepath.Join(cwd, base)
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}

	// The trailing separator keeps /plans from matching /plans-old.
	if clean != base && !strings.HasPrefix(clean, base+string(filepath.Separator)) {
		return "", fmt.Errorf("file path escapes base directory: %s is not within %s", path, baseDir)
	}
	return clean, nil
}

// SafeReadFile is os.ReadFile behind ValidateFilePath.
func SafeReadFile(path string) ([]byte, error) {
	clean, err := ValidateFilePath(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - path is validated above
	return os.ReadFile(clean)
}

// SafeReadFileInDir is os.ReadFile behind ValidateFilePathInDir.
func SafeReadFileInDir(path, baseDir string) ([]byte, error) {
	clean, err := ValidateFilePathInDir(path, baseDir)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - path is validated above
	return os.ReadFile(clean)
}
