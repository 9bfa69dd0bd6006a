package cache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Cache is a size-bounded LRU cache of blobs on local disk. It fronts a
// slower content-addressable store: callers populate it on miss, and it
// reclaims space in the background once usage crosses the purge trigger.
//
// While a purge cycle runs the cache is unavailable: reads report entries as
// absent and writes degrade to a transient pass-through that never blocks on
// the purge task.
type Cache struct {
	root    string
	staging string

	maxSize      int64
	triggerSize  int64
	resizeTarget int64

	// mu guards the index, the pending set and the purging flag. The purge
	// task holds it for its whole drain-and-evict loop.
	mu      sync.Mutex
	index   *lruIndex
	pending map[string]struct{}
	purging bool

	// purgeGate mirrors the purge-mode state so foreground calls can take
	// the fallback path without contending mu against a running purge.
	purgeGate atomic.Bool

	// removeFile performs physical deletion. Overridable in tests to
	// exercise the deferred-deletion path.
	removeFile func(string) error
}

// Options configures a Cache. All fields are required; a MaxSize of zero
// disables the cache entirely (permanent purge mode, every store becomes a
// transient pass-through).
type Options struct {
	// Root is the directory holding cached files, one file per key.
	Root string

	// StagingDir holds in-progress writes before they are moved into Root.
	StagingDir string

	// MaxSize is the cache budget in bytes.
	MaxSize int64

	// TriggerFactor is the fraction of MaxSize at which a purge cycle
	// starts. Must be in (0, 1].
	TriggerFactor float64

	// ResizeFactor is the fraction of MaxSize a purge cycle shrinks the
	// cache to. Must be in (0, TriggerFactor].
	ResizeFactor float64
}

func (o Options) validate() error {
	if o.Root == "" {
		return errors.New("cache root is required")
	}
	if o.StagingDir == "" {
		return errors.New("staging directory is required")
	}
	if o.MaxSize < 0 {
		return fmt.Errorf("max size must not be negative, got %d", o.MaxSize)
	}
	if o.TriggerFactor <= 0 || o.TriggerFactor > 1 {
		return fmt.Errorf("trigger factor must be in (0, 1], got %v", o.TriggerFactor)
	}
	if o.ResizeFactor <= 0 || o.ResizeFactor > o.TriggerFactor {
		return fmt.Errorf("resize factor must be in (0, trigger factor], got %v", o.ResizeFactor)
	}
	return nil
}

// New creates a Cache rooted at opts.Root and reconciles it with whatever the
// directory already contains: existing files are re-admitted oldest-first by
// modification time until the budget is reached, the rest are deleted. The
// scan runs synchronously, so the cache is fully consistent when New returns.
func New(opts Options) (*Cache, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	staging, err := filepath.Abs(opts.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve staging dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	c := &Cache{
		root:         root,
		staging:      staging,
		maxSize:      opts.MaxSize,
		triggerSize:  int64(opts.TriggerFactor * float64(opts.MaxSize)),
		resizeTarget: int64(opts.ResizeFactor * float64(opts.MaxSize)),
		index:        newLRUIndex(),
		pending:      make(map[string]struct{}),
		removeFile:   os.Remove,
	}
	c.purgeGate.Store(opts.MaxSize == 0)

	if err := c.loadInitialState(); err != nil {
		return nil, fmt.Errorf("scan cache root: %w", err)
	}
	return c, nil
}

// Store writes the content of in under key and returns a stream over that
// content. The input is first written to a staging file; if the cache can
// admit it (not purging, fits the budget, destination placeable) the staging
// file is atomically moved into the cache. Otherwise the staging file itself
// backs the returned stream and is discarded when the caller closes it, so
// the caller always receives the full content either way.
func (c *Cache) Store(key string, in io.Reader) (io.ReadCloser, error) {
	key = NormalizeKey(key)
	dst := c.filePath(key)

	if rc, ok := c.touchExisting(key, dst); ok {
		return rc, nil
	}

	tmp, size, err := c.stage(in)
	if err != nil {
		return nil, err
	}

	// The handle is taken before the admission rename: it stays readable
	// even when the purge this very store triggers deletes the cached file
	// before the caller drains the stream.
	f, err := os.Open(tmp)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	if c.admit(key, dst, tmp, size) {
		return f, nil
	}
	return &transientFile{File: f, path: tmp}, nil
}

// StoreFile admits an already-materialized file under key, taking ownership
// of src via rename. If the destination already exists the cached copy is
// retained and only its recency is refreshed; src is left in place. Admission
// refusal (purge mode, budget) is not an error.
func (c *Cache) StoreFile(key, src string) error {
	key = NormalizeKey(key)
	dst := c.filePath(key)

	if rc, ok := c.touchExisting(key, dst); ok {
		_ = rc.Close()
		return nil
	}
	if c.purgeGate.Load() {
		return nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}
	c.admit(key, dst, src, info.Size())
	return nil
}

// Open returns a stream over the cached content for key, or false if the key
// is not cached or the cache is in purge mode. A hit refreshes both the
// file's modification time and the key's recency.
func (c *Cache) Open(key string) (io.ReadCloser, bool) {
	key = NormalizeKey(key)
	if c.purgeGate.Load() {
		return nil, false
	}
	path := c.filePath(key)
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	if c.inPurgeModeLocked() {
		c.mu.Unlock()
		_ = f.Close()
		return nil, false
	}
	c.touchLocked(key, path)
	c.mu.Unlock()
	return f, true
}

// Size returns the byte length of the cached content for key, with the same
// availability and recency semantics as Open.
func (c *Cache) Size(key string) (int64, bool) {
	key = NormalizeKey(key)
	if c.purgeGate.Load() {
		return 0, false
	}
	path := c.filePath(key)
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inPurgeModeLocked() {
		return 0, false
	}
	c.touchLocked(key, path)
	return info.Size(), true
}

// Delete evicts key from the cache and deletes its file. It is a no-op while
// a purge cycle runs and for keys that are not cached. Files that resist
// deletion stay indexed and are retried later.
func (c *Cache) Delete(key string) {
	key = NormalizeKey(key)
	if c.purgeGate.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inPurgeModeLocked() {
		return
	}
	c.removeLocked(key)
}

// Close flushes the deferred-deletion set best-effort. Files that still
// resist deletion are left behind for the next recovery scan.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued := len(c.pending)
	deleted := 0
	for key := range cloneKeys(c.pending) {
		if c.removeLocked(key) {
			deleted++
		}
	}
	slog.Info("cache closed", "deferred_deleted", deleted, "deferred_queued", queued)
	return nil
}

// CurrentSize reports the aggregate size of all indexed entries.
func (c *Cache) CurrentSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.size
}

// Len reports the number of indexed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.len()
}

// InPurgeMode reports whether the cache is currently unavailable because a
// purge cycle is running (or because it was configured with a zero budget).
func (c *Cache) InPurgeMode() bool {
	return c.purgeGate.Load()
}

func (c *Cache) inPurgeModeLocked() bool {
	return c.purging || c.maxSize == 0
}

func (c *Cache) canAdmitLocked(n int64) bool {
	return c.index.size+n < c.maxSize
}

// touchExisting refreshes an already cached key and returns a stream over the
// cached copy. Returns false when the key is not cached or the cache is
// purging, in which case the caller proceeds with staging.
func (c *Cache) touchExisting(key, dst string) (io.ReadCloser, bool) {
	if c.purgeGate.Load() {
		return nil, false
	}
	info, err := os.Stat(dst)
	if err != nil {
		return nil, false
	}
	f, err := os.Open(dst)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	if c.inPurgeModeLocked() {
		c.mu.Unlock()
		_ = f.Close()
		return nil, false
	}
	now := time.Now()
	if err := os.Chtimes(dst, now, now); err != nil {
		slog.Warn("could not refresh cached file timestamp", "key", key, "error", err)
	}
	delete(c.pending, key)
	c.index.put(key, info.Size())
	c.maybePurgeLocked()
	c.mu.Unlock()
	return f, true
}

// touchLocked refreshes recency for a read hit: file mtime plus index
// position. A file present on disk but missing from the index (written
// externally since the last scan) is adopted so size accounting stays honest.
func (c *Cache) touchLocked(key, path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		slog.Warn("could not refresh cached file timestamp", "key", key, "error", err)
	}
	if c.index.touch(key) {
		return
	}
	if info, err := os.Stat(path); err == nil {
		c.index.put(key, info.Size())
		c.maybePurgeLocked()
	}
}

// stage copies in to a fresh file in the staging directory and returns its
// path and length. Failures here are fatal to the enclosing Store call.
func (c *Cache) stage(in io.Reader) (string, int64, error) {
	path := filepath.Join(c.staging, "stage-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create staging file: %w", err)
	}
	written, err := io.Copy(f, in)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Warn("could not remove failed staging file", "path", path, "error", rmErr)
		}
		return "", 0, fmt.Errorf("write staging file: %w", err)
	}
	return path, written, nil
}

// admit tries to move the file at src into the cache under key. It returns
// false when the cache is purging, the entry would exceed the budget, or the
// destination cannot be placed; src is left untouched in that case.
func (c *Cache) admit(key, dst, src string, size int64) bool {
	if c.purgeGate.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inPurgeModeLocked() || !c.canAdmitLocked(size) {
		slog.Debug("admission refused", "key", key, "size", size, "current_size", c.index.size)
		return false
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		slog.Warn("could not create cache subdirectory", "key", key, "error", err)
		return false
	}
	if err := os.Rename(src, dst); err != nil {
		slog.Warn("could not move file into cache", "key", key, "error", err)
		return false
	}
	delete(c.pending, key)
	c.index.put(key, size)
	c.maybePurgeLocked()
	return true
}

// removeLocked implements eviction with deletion interception: the entry
// leaves the index only if its file was deleted or is already gone. A file
// that resists deletion keeps its entry and joins the deferred-deletion set,
// so the index never loses track of space that is still physically consumed.
func (c *Cache) removeLocked(key string) bool {
	if !c.tryDeleteLocked(key) {
		return false
	}
	if size, ok := c.index.drop(key); ok {
		slog.Debug("cache entry removed", "key", key, "size", size)
	}
	return true
}

// tryDeleteLocked deletes the file backing key. An absent file counts as
// success and clears any deferred-deletion bookkeeping for the key.
func (c *Cache) tryDeleteLocked(key string) bool {
	path := c.filePath(key)
	err := c.removeFile(path)
	if err != nil && !os.IsNotExist(err) {
		if _, statErr := os.Stat(path); statErr == nil {
			slog.Info("could not delete cached file, deferring", "key", key, "error", err)
			c.pending[key] = struct{}{}
			return false
		}
	}
	delete(c.pending, key)
	if err == nil {
		c.pruneEmptyParents(path)
	}
	return true
}

// pruneEmptyParents deletes directories left empty by a file deletion, up to
// but never including the cache root.
func (c *Cache) pruneEmptyParents(path string) {
	sep := string(os.PathSeparator)
	for dir := filepath.Dir(path); dir != c.root && strings.HasPrefix(dir, c.root+sep); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

func cloneKeys(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}
