package repository

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/lucasew/blobcache/internal/cache"
	"github.com/lucasew/blobcache/internal/db"
	"github.com/lucasew/blobcache/internal/errutil"
	"github.com/lucasew/blobcache/internal/hashutil"
	"golang.org/x/sync/singleflight"
)

// BlobStore fronts the local cache engine with blob addressing (algo/hash),
// digest verification on fill, and an optional observational catalog.
type BlobStore struct {
	cache   *cache.Cache
	catalog *db.Catalog
	g       singleflight.Group
}

// NewBlobStore wraps c. catalog may be nil; catalog failures never affect
// cache behavior.
func NewBlobStore(c *cache.Cache, catalog *db.Catalog) *BlobStore {
	return &BlobStore{cache: c, catalog: catalog}
}

func (s *BlobStore) Exists(ctx context.Context, algo, hash string) (bool, error) {
	_, ok := s.cache.Size(Key(algo, hash))
	return ok, nil
}

func (s *BlobStore) Get(ctx context.Context, algo, hash string) (io.ReadCloser, int64, error) {
	key := Key(algo, hash)
	size, ok := s.cache.Size(key)
	if !ok {
		return nil, 0, ErrNotCached
	}
	rc, ok := s.cache.Open(key)
	if !ok {
		return nil, 0, ErrNotCached
	}
	return rc, size, nil
}

// Fill fetches the blob via fetch and admits it into the cache, verifying
// that the content matches its address. Concurrent fills of the same blob
// collapse into a single fetch. A verified blob that the cache refused
// (purge mode, budget) is not an error; the caller simply misses again and
// may fall back to a direct fetch.
func (s *BlobStore) Fill(ctx context.Context, algo, hash string, fetch Fetcher) error {
	if !hashutil.IsSupported(algo) {
		return fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
	key := Key(algo, hash)
	_, err, _ := s.g.Do(key, func() (interface{}, error) {
		// Double check: another caller may have filled it already.
		if _, ok := s.cache.Size(key); ok {
			return nil, nil
		}

		reader, _, err := fetch()
		if err != nil {
			return nil, err
		}
		defer func() { _ = reader.Close() }()

		hasher, err := hashutil.GetHasher(algo)
		if err != nil {
			return nil, err
		}

		cr := &countingReader{r: reader}
		rc, err := s.cache.Store(key, io.TeeReader(cr, hasher))
		if err != nil {
			return nil, fmt.Errorf("store blob: %w", err)
		}
		// The returned stream is not needed here; closing it discards a
		// transient fallback file.
		if err := rc.Close(); err != nil {
			errutil.LogMsg(err, "could not close store stream", "key", key)
		}

		actual := hex.EncodeToString(hasher.Sum(nil))
		if actual != hash {
			// An untracked fill can land the key between the double check
			// and the store; the existing copy is already verified.
			if size, ok := s.cache.Size(key); ok && cr.n == 0 && size > 0 {
				return nil, nil
			}
			s.cache.Delete(key)
			return nil, fmt.Errorf("hash mismatch: expected %s, got %s", hash, actual)
		}

		s.catalogIfCached(ctx, key, algo, hash, cr.n)
		slog.Info("stored blob", "algo", algo, "hash", hash, "size", cr.n)
		return nil, nil
	})
	return err
}

// FetchThrough returns a verified stream over the blob, serving an already
// cached copy directly and otherwise fetching it and admitting it into the
// cache on the way when possible. Unlike Fill it always
// hands the content to the caller, so it keeps serving while the cache is in
// purge mode: the stream is then backed by a transient file that is discarded
// on Close.
func (s *BlobStore) FetchThrough(ctx context.Context, algo, hash string, fetch Fetcher) (io.ReadCloser, int64, error) {
	if !hashutil.IsSupported(algo) {
		return nil, 0, fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
	key := Key(algo, hash)

	// Serve an existing entry directly. Handing the fetch stream to the
	// cache would short-circuit on the cached copy without consuming it,
	// leaving the digest computed over zero bytes.
	if size, ok := s.cache.Size(key); ok {
		if rc, ok := s.cache.Open(key); ok {
			return rc, size, nil
		}
	}

	reader, _, err := fetch()
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = reader.Close() }()

	hasher, err := hashutil.GetHasher(algo)
	if err != nil {
		return nil, 0, err
	}

	cr := &countingReader{r: reader}
	rc, err := s.cache.Store(key, io.TeeReader(cr, hasher))
	if err != nil {
		return nil, 0, fmt.Errorf("store blob: %w", err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != hash {
		// A concurrent fill can land the key between the miss above and the
		// store; the cache then serves its verified copy without reading the
		// fetch stream, so the digest covers nothing.
		if size, ok := s.cache.Size(key); ok && cr.n == 0 && size > 0 {
			return rc, size, nil
		}
		if err := rc.Close(); err != nil {
			errutil.LogMsg(err, "could not close store stream", "key", key)
		}
		s.cache.Delete(key)
		return nil, 0, fmt.Errorf("hash mismatch: expected %s, got %s", hash, actual)
	}

	s.catalogIfCached(ctx, key, algo, hash, cr.n)
	return rc, cr.n, nil
}

// catalogIfCached records the blob only when the cache actually admitted it;
// transient pass-through content stays out of the catalog.
func (s *BlobStore) catalogIfCached(ctx context.Context, key, algo, hash string, size int64) {
	if s.catalog == nil {
		return
	}
	if _, ok := s.cache.Size(key); !ok {
		return
	}
	errutil.LogMsg(
		s.catalog.Upsert(ctx, db.Blob{Key: key, Algo: algo, Hash: hash, Size: size}),
		"could not catalog blob", "key", key)
}

// Delete evicts the blob from the cache and drops its catalog row.
func (s *BlobStore) Delete(ctx context.Context, algo, hash string) {
	key := Key(algo, hash)
	s.cache.Delete(key)
	if s.catalog != nil {
		errutil.LogMsg(s.catalog.Remove(ctx, key), "could not remove blob from catalog", "key", key)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
