package cache

import (
	"path/filepath"
	"strings"
)

// NormalizeKey converts a logical key to the canonical forward-slash form
// used for every index and filesystem operation. A leading separator carries
// no special meaning and is stripped.
func NormalizeKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	return strings.TrimPrefix(key, "/")
}

// filePath maps a normalized key to its physical location under the cache
// root. Directories along the way are created lazily on admission.
func (c *Cache) filePath(key string) string {
	return filepath.Join(c.root, filepath.FromSlash(key))
}

// keyFor is the inverse of filePath, used by the recovery scan to rebuild
// keys from paths found on disk.
func (c *Cache) keyFor(path string) string {
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return NormalizeKey(path)
	}
	return filepath.ToSlash(rel)
}
