// Package sockpath locates the per-user metrics socket and tightens its
// permissions after bind.
package sockpath

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	SocketName = "wispr_metrics.sock"
	appDir     = "wispr-broadcast"
	dirMode    = fs.FileMode(0o700)
)

// SocketDir returns XDG_RUNTIME_DIR when it names an existing directory,
// otherwise ~/.local/share/wispr-broadcast, created owner-only if needed.
func SocketDir() (string, error) {
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		if info, err := os.Stat(runtime); err == nil && info.IsDir() {
			return runtime, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".local", "share", appDir)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Chmod(dir, dirMode); err != nil {
		return "", fmt.Errorf("secure socket directory: %w", err)
	}
	return dir, nil
}

// Resolve returns configured unchanged when set, otherwise the default
// socket path inside SocketDir.
func Resolve(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dir, err := SocketDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SocketName), nil
}

// Secure applies mode to the socket file at path. A missing file is not an
// error.
func Secure(path string, mode fs.FileMode) error {
	if err := os.Chmod(path, mode.Perm()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("secure socket %s: %w", path, err)
	}
	return nil
}
