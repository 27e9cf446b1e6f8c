package graphstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultStoreName is the file name of a SQLite store inside DefaultDirectory.
const DefaultStoreName = "graphstore.db"

// DefaultDirectory returns the per-user directory stores live in by default:
// the user configuration directory, or the user cache directory when no
// configuration directory is known, followed by "graphstore".
func DefaultDirectory() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		cache, cerr := os.UserCacheDir()
		if cerr != nil {
			return "", fmt.Errorf("graphstore: no default directory: %w", err)
		}
		base = cache
	}
	return filepath.Join(base, "graphstore"), nil
}

// DefaultLocation returns the SQLite store path inside DefaultDirectory.
func DefaultLocation() (string, error) {
	dir, err := DefaultDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultStoreName), nil
}
