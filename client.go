// Package blobcache provides a client for blobcache servers: size-bounded
// disk caches sitting in front of content-addressable blob storage.
package blobcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/lucasew/blobcache/internal/errutil"
	"github.com/lucasew/blobcache/internal/hashutil"
	"github.com/shogo82148/go-sfv"
)

var (
	// ErrUnsupportedAlgorithm is returned when the requested hash algorithm is not supported.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrHashMismatch is returned when the downloaded content does not match the expected hash.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrPartialWrite is returned when data was already written to Out before a failure occurred,
	// making fallback to another source unsafe.
	ErrPartialWrite = errors.New("partial write")

	// ErrAllSourcesFailed is returned when no server or direct source could provide the content.
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// HTTPStatusError is returned when a source responds with a non-200 status code.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Client fetches content-addressed blobs, preferring blobcache servers and
// falling back to downloading the source URLs directly.
type Client struct {
	HTTP    *http.Client
	Servers []string
}

func NewClient(client *http.Client, servers []string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		HTTP:    client,
		Servers: servers,
	}
}

// ServersFromEnv parses the BLOBCACHE_SERVER environment variable, an
// RFC 8941 list of server base URLs.
func ServersFromEnv() []string {
	envServer := os.Getenv("BLOBCACHE_SERVER")
	if envServer == "" {
		return nil
	}
	list, err := sfv.DecodeList([]string{envServer})
	if err != nil {
		errutil.LogMsg(err, "Failed to parse BLOBCACHE_SERVER")
		return nil
	}
	var servers []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			servers = append(servers, s)
		}
	}
	return servers
}

// FetchOptions describes one blob fetch.
type FetchOptions struct {
	Algo string
	Hash string
	URLs []string
	Out  io.Writer
}

// Fetch writes the addressed content to opts.Out, verifying its digest.
// Servers are tried first, then the source URLs directly. Once any bytes
// have reached Out a failure is fatal (ErrPartialWrite) since retrying
// another source would corrupt the output.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) error {
	if !hashutil.IsSupported(opts.Algo) {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, opts.Algo)
	}

	cw := &countingWriter{Writer: opts.Out}
	var lastErr error

	// 1. Try Servers
	for _, server := range c.Servers {
		lastErr = c.fetchFromServer(ctx, server, opts.Algo, opts.Hash, opts.URLs, cw)
		if lastErr == nil {
			return nil
		}
		errutil.LogMsg(lastErr, "Failed to fetch from server", "server", server)
		if cw.N > 0 {
			return fmt.Errorf("%w: %w", ErrPartialWrite, lastErr)
		}
	}

	// 2. Fallback to Direct Download
	for _, url := range opts.URLs {
		lastErr = c.fetchDirect(ctx, url, opts.Algo, opts.Hash, cw)
		if lastErr == nil {
			return nil
		}
		errutil.LogMsg(lastErr, "Failed to fetch from source", "url", url)
		if cw.N > 0 {
			return fmt.Errorf("%w: %w", ErrPartialWrite, lastErr)
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrAllSourcesFailed, lastErr)
	}
	return ErrAllSourcesFailed
}

type countingWriter struct {
	Writer io.Writer
	N      int64
}

func (c *countingWriter) Write(p []byte) (n int, err error) {
	n, err = c.Writer.Write(p)
	c.N += int64(n)
	return n, err
}

func (c *Client) fetchFromServer(ctx context.Context, server, algo, hashStr string, sourceUrls []string, out io.Writer) error {
	base := strings.TrimRight(server, "/")
	u := fmt.Sprintf("%s/blob/%s/%s", base, algo, hashStr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	if len(sourceUrls) > 0 {
		list := make(sfv.List, len(sourceUrls))
		for i, url := range sourceUrls {
			list[i] = sfv.Item{Value: url}
		}
		val, err := sfv.EncodeList(list)
		if err != nil {
			return fmt.Errorf("failed to encode X-Blob-Source: %w", err)
		}
		req.Header.Set("X-Blob-Source", val)
	}

	return c.doRequest(req, algo, hashStr, out)
}

func (c *Client) fetchDirect(ctx context.Context, url, algo, hashStr string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, algo, hashStr, out)
}

func (c *Client) doRequest(req *http.Request, algo, expectedHash string, out io.Writer) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	if resp.StatusCode != http.StatusOK {
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	hasher, err := hashutil.GetHasher(algo)
	if err != nil {
		return err
	}
	mw := io.MultiWriter(out, hasher)

	if _, err := io.Copy(mw, resp.Body); err != nil {
		return err
	}

	actualHash := hex.EncodeToString(hasher.Sum(nil))
	if actualHash != expectedHash {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expectedHash, actualHash)
	}

	return nil
}
