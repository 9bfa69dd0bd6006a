package cache

import (
	"log/slog"
	"os"
)

// transientFile streams content that was refused admission. The backing
// staging file is discarded when the caller is done with it.
type transientFile struct {
	*os.File
	path string
}

func (t *transientFile) Close() error {
	err := t.File.Close()
	if rmErr := os.Remove(t.path); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Warn("could not discard transient file", "path", t.path, "error", rmErr)
	}
	return err
}
