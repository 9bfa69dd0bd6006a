package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lucasew/blobcache/internal/errutil"
	"github.com/lucasew/blobcache/internal/hashutil"
	"github.com/lucasew/blobcache/internal/repository"
	"github.com/shogo82148/go-sfv"
)

// sourceHeader carries an RFC 8941 list of URLs the server may fetch the
// blob from on a local miss.
const sourceHeader = "X-Blob-Source"

// BlobHandler serves /blob/{algo}/{hash}.
//
// GET looks up the local cache first, then fills from upstream servers or
// from URLs named in the X-Blob-Source header. If the cache is unavailable
// (purge in progress) the content is still fetched, verified and streamed,
// just not retained. PUT admits the request body under the addressed blob.
type BlobHandler struct {
	Local     *repository.BlobStore
	Upstreams []repository.Repository
	Client    *http.Client
}

func NewBlobHandler(local *repository.BlobStore, upstreams []repository.Repository, client *http.Client) *BlobHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &BlobHandler{
		Local:     local,
		Upstreams: upstreams,
		Client:    client,
	}
}

func (h *BlobHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected path: /blob/{algo}/{hash}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "blob" {
		http.Error(w, "invalid path, expected /blob/{algo}/{hash}", http.StatusBadRequest)
		return
	}
	algo, hash := parts[1], parts[2]

	if !hashutil.IsSupported(algo) {
		http.Error(w, fmt.Sprintf("unsupported hash algorithm: %s", algo), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.get(w, r, algo, hash)
	case http.MethodPut:
		h.put(w, r, algo, hash)
	case http.MethodDelete:
		h.Local.Delete(r.Context(), algo, hash)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BlobHandler) get(w http.ResponseWriter, r *http.Request, algo, hash string) {
	rc, size, err := h.Local.Get(r.Context(), algo, hash)
	if err == nil {
		slog.Debug("cache hit", "algo", algo, "hash", hash)
		h.serve(w, r, algo, hash, rc, size)
		return
	}

	slog.Info("cache miss", "algo", algo, "hash", hash)
	if r.Method == http.MethodHead {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	fetch := h.fetcherFor(r, algo, hash)
	if err := h.Local.Fill(r.Context(), algo, hash, fetch); err != nil {
		slog.Error("could not fill blob", "algo", algo, "hash", hash, "error", err)
		http.Error(w, fmt.Sprintf("could not fetch blob: %v", err), http.StatusNotFound)
		return
	}

	rc, size, err = h.Local.Get(r.Context(), algo, hash)
	if errors.Is(err, repository.ErrNotCached) {
		// Filled but not retained: the cache is purging or full. Serve the
		// content anyway via a verified pass-through stream.
		rc, size, err = h.Local.FetchThrough(r.Context(), algo, hash, fetch)
	}
	if err != nil {
		slog.Error("could not serve blob after fill", "algo", algo, "hash", hash, "error", err)
		http.Error(w, "could not retrieve blob", http.StatusBadGateway)
		return
	}
	h.serve(w, r, algo, hash, rc, size)
}

func (h *BlobHandler) put(w http.ResponseWriter, r *http.Request, algo, hash string) {
	fetch := func() (io.ReadCloser, int64, error) {
		return io.NopCloser(r.Body), r.ContentLength, nil
	}
	rc, _, err := h.Local.FetchThrough(r.Context(), algo, hash, fetch)
	if err != nil {
		http.Error(w, fmt.Sprintf("could not store blob: %v", err), http.StatusUnprocessableEntity)
		return
	}
	errutil.LogMsg(rc.Close(), "could not close stored blob stream", "algo", algo, "hash", hash)
	w.WriteHeader(http.StatusCreated)
}

// fetcherFor builds the miss-path fetcher: upstream tiers first, then any
// source URLs the client offered.
func (h *BlobHandler) fetcherFor(r *http.Request, algo, hash string) repository.Fetcher {
	sources := h.sourceURLs(r)
	return func() (io.ReadCloser, int64, error) {
		for _, upstream := range h.Upstreams {
			rc, size, err := upstream.Get(r.Context(), algo, hash)
			if err == nil {
				return rc, size, nil
			}
			slog.Debug("upstream miss", "algo", algo, "hash", hash, "error", err)
		}

		for _, u := range sources {
			slog.Info("downloading from source", "url", u, "algo", algo, "hash", hash)
			req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
			if err != nil {
				continue
			}
			resp, err := h.Client.Do(req)
			if err != nil {
				continue
			}
			if resp.StatusCode != http.StatusOK {
				_ = resp.Body.Close()
				continue
			}
			return resp.Body, resp.ContentLength, nil
		}

		return nil, 0, fmt.Errorf("blob not found in upstreams or source urls")
	}
}

func (h *BlobHandler) sourceURLs(r *http.Request) []string {
	values := r.Header.Values(sourceHeader)
	if len(values) == 0 {
		return nil
	}
	list, err := sfv.DecodeList(values)
	if err != nil {
		slog.Warn("could not parse source header", "error", err)
		return nil
	}
	var urls []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			urls = append(urls, s)
		}
	}
	return urls
}

func (h *BlobHandler) serve(w http.ResponseWriter, r *http.Request, algo, hash string, rc io.ReadCloser, size int64) {
	defer func() {
		errutil.LogMsg(rc.Close(), "could not close blob stream", "algo", algo, "hash", hash)
	}()

	// Content is addressed by its hash: cacheable forever.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Link", fmt.Sprintf("</blob/%s/%s>; rel=\"canonical\"", algo, hash))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("could not stream blob", "algo", algo, "hash", hash, "error", err)
	}
}
