package repository

import (
	"context"
	"errors"
	"io"
)

// ErrNotCached reports a lookup that missed the local cache. The cache also
// answers with this while a purge cycle runs, by design.
var ErrNotCached = errors.New("blob not cached")

// Fetcher produces the content for a blob on a cache miss. The caller side
// of the cache contract: the cache itself never fetches anything.
type Fetcher func() (io.ReadCloser, int64, error)

// Repository is a read-only view over a tier of blob storage.
type Repository interface {
	Exists(ctx context.Context, algo, hash string) (bool, error)
	Get(ctx context.Context, algo, hash string) (io.ReadCloser, int64, error)
}

// Key maps a blob address to its cache key.
func Key(algo, hash string) string {
	return algo + "/" + hash
}
