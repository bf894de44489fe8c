// Package sockpath resolves the daemon's Unix socket path and performs the
// symlink-attack guard described in spec §4.5/§6, grounded on the teacher's
// internal/socketdir/socketdir.go fallback chain (adapted here for one
// daemon socket instead of one socket per agent) and on
// original_source/src/server/mod.rs's bind-time safety checks.
package sockpath

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resolve returns the socket path to bind, honoring (in priority order) an
// explicit override, then $XDG_RUNTIME_DIR, then a /tmp fallback keyed by
// uid so concurrent users never collide.
func Resolve(override string) string {
	if override != "" {
		return override
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "agentryd", "agentryd.sock")
	}
	return filepath.Join("/tmp", fmt.Sprintf("agentryd-%d.sock", os.Getuid()))
}

// PrepareForBind ensures the parent directory exists and that any existing
// file at path is safe to remove before net.Listen binds it: it refuses to
// proceed if path is a symlink (symlink-attack guard) and otherwise removes
// a stale socket or regular file.
func PrepareForBind(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("sockpath: create parent dir %s: %w", dir, err)
	}

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sockpath: stat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("sockpath: refusing to bind over symlink at %s", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("sockpath: remove stale entry %s: %w", path, err)
	}
	return nil
}

// SecurePermissions chmods path to 0600 (owner read/write only), as
// required right after bind by spec §6.
func SecurePermissions(path string) error {
	return os.Chmod(path, 0o600)
}
