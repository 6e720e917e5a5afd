// Package paths provides centralized path resolution for lifeline.
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigEnv overrides the config file location.
const ConfigEnv = "LIFELINE_CONFIG"

// BaseDir returns the lifeline base directory (~/.lifeline).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".lifeline"), nil
}

// DataPath returns a path within the lifeline base directory.
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active lifeline.yaml path.
// Priority: explicit > $LIFELINE_CONFIG > ./lifeline.yaml > ~/.lifeline/lifeline.yaml
// A missing file is not an error: the defaults apply and save() creates it.
func ConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return ExpandTilde(explicit)
	}
	if env := os.Getenv(ConfigEnv); env != "" {
		return ExpandTilde(env)
	}
	if _, err := os.Stat("lifeline.yaml"); err == nil {
		abs, err := filepath.Abs("lifeline.yaml")
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return abs, nil
	}
	return DataPath("lifeline.yaml")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}

// Resolve joins rel onto base unless rel is absolute. Tildes are expanded.
func Resolve(base, rel string) (string, error) {
	p, err := ExpandTilde(rel)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Join(base, p), nil
}
