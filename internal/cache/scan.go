package cache

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const scanProgressInterval = 5 * time.Second

type scannedFile struct {
	path string
	size int64
	mod  time.Time
}

// loadInitialState reconciles the on-disk tree with a fresh index after a
// restart. Files are replayed oldest-first by modification time, an
// approximation of the pre-shutdown recency order; whatever no longer fits
// the budget is deleted on the spot rather than deferred. Per-file failures
// are logged and skipped so one bad file cannot keep the cache from starting.
func (c *Cache) loadInitialState() error {
	var files []scannedFile
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == c.root {
				// An unreadable root is a construction error, not a
				// skippable file.
				return err
			}
			slog.Warn("skipping unreadable path during cache scan", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == c.staging && path != c.root {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			slog.Warn("skipping unreadable file during cache scan", "path", path, "error", err)
			return nil
		}
		files = append(files, scannedFile{path: path, size: info.Size(), mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk cache root: %w", err)
	}

	// Stable sort keeps the tie-break among equal timestamps deterministic
	// within a run (walk order), without promising anything stronger.
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].mod.Before(files[j].mod)
	})

	admitted, deleted := 0, 0
	lastProgress := time.Now()
	for i, f := range files {
		if c.index.size+f.size < c.maxSize {
			c.index.put(c.keyFor(f.path), f.size)
			admitted++
		} else if c.deleteOverflow(f.path) {
			deleted++
		}
		if time.Since(lastProgress) > scanProgressInterval {
			slog.Info("cache scan progress", "processed", i+1, "total", len(files))
			lastProgress = time.Now()
		}
	}

	slog.Info("cache scan complete",
		"admitted", admitted,
		"deleted", deleted,
		"total", len(files),
		"current_size", c.index.size)
	return nil
}

// deleteOverflow is the boot-time reclaim: failures are logged, never queued,
// leaving the file as transient leakage for a later scan or manual cleanup.
func (c *Cache) deleteOverflow(path string) bool {
	if err := c.removeFile(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not delete overflow file during cache scan", "path", path, "error", err)
		return false
	}
	c.pruneEmptyParents(path)
	return true
}
