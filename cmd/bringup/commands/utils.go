package commands

import (
	"os"
	"path/filepath"

	"github.com/fpgalab/bringup/pkg/errors"
)

// ensureDirectories creates the journal directory and the artifact cache
func ensureDirectories(journalPath, cacheDir string) error {
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create journal directory")
	}

	// Cache is only needed by commands that download releases
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create cache directory")
		}
	}

	return nil
}
