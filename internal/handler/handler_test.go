package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasew/blobcache/internal/cache"
	"github.com/lucasew/blobcache/internal/repository"
	"github.com/shogo82148/go-sfv"
)

func sha256Sum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sourceHeaderValue(t *testing.T, urls ...string) string {
	t.Helper()
	list := make(sfv.List, len(urls))
	for i, u := range urls {
		list[i] = sfv.Item{Value: u}
	}
	val, err := sfv.EncodeList(list)
	if err != nil {
		t.Fatalf("EncodeList failed: %v", err)
	}
	return val
}

func TestBlobHandler(t *testing.T) {
	cacheDir := t.TempDir()
	c, err := cache.New(cache.Options{
		Root:          filepath.Join(cacheDir, "cache"),
		StagingDir:    filepath.Join(cacheDir, "staging"),
		MaxSize:       1 << 20,
		TriggerFactor: 0.8,
		ResizeFactor:  0.5,
	})
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	local := repository.NewBlobStore(c, nil)
	h := NewBlobHandler(local, nil, nil)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file1":
			_, _ = w.Write([]byte("content1"))
		case "/corrupt":
			_, _ = w.Write([]byte("not what was addressed"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer origin.Close()

	hash1 := sha256Sum([]byte("content1"))

	t.Run("download from source header", func(t *testing.T) {
		req := httptest.NewRequest("GET", fmt.Sprintf("/blob/sha256/%s", hash1), nil)
		req.Header.Set("X-Blob-Source", sourceHeaderValue(t, origin.URL+"/file1"))
		w := httptest.NewRecorder()

		h.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200. body: %s", w.Code, w.Body.String())
		}
		if w.Body.String() != "content1" {
			t.Errorf("body = %q, want content1", w.Body.String())
		}
		if got := w.Header().Get("Cache-Control"); got != "public, max-age=31536000, immutable" {
			t.Errorf("Cache-Control = %q", got)
		}
		if got := w.Header().Get("Link"); got != fmt.Sprintf("</blob/sha256/%s>; rel=\"canonical\"", hash1) {
			t.Errorf("Link = %q", got)
		}
		if _, err := os.Stat(filepath.Join(cacheDir, "cache", "sha256", hash1)); err != nil {
			t.Errorf("blob not materialized in cache: %v", err)
		}
	})

	t.Run("cache hit without sources", func(t *testing.T) {
		req := httptest.NewRequest("GET", fmt.Sprintf("/blob/sha256/%s", hash1), nil)
		w := httptest.NewRecorder()

		h.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if w.Body.String() != "content1" {
			t.Errorf("body = %q, want content1", w.Body.String())
		}
	})

	t.Run("head hit and miss", func(t *testing.T) {
		req := httptest.NewRequest("HEAD", fmt.Sprintf("/blob/sha256/%s", hash1), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("HEAD hit status = %d, want 200", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("HEAD response carries a body of %d bytes", w.Body.Len())
		}

		missHash := sha256Sum([]byte("nowhere"))
		req = httptest.NewRequest("HEAD", fmt.Sprintf("/blob/sha256/%s", missHash), nil)
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("HEAD miss status = %d, want 404", w.Code)
		}
	})

	t.Run("hash mismatch from source", func(t *testing.T) {
		wrongHash := sha256Sum([]byte("something else entirely"))
		req := httptest.NewRequest("GET", fmt.Sprintf("/blob/sha256/%s", wrongHash), nil)
		req.Header.Set("X-Blob-Source", sourceHeaderValue(t, origin.URL+"/corrupt"))
		w := httptest.NewRecorder()

		h.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404 on hash mismatch", w.Code)
		}
	})

	t.Run("put and get", func(t *testing.T) {
		content := "uploaded content"
		hash := sha256Sum([]byte(content))

		req := httptest.NewRequest("PUT", fmt.Sprintf("/blob/sha256/%s", hash), strings.NewReader(content))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("PUT status = %d, want 201. body: %s", w.Code, w.Body.String())
		}

		req = httptest.NewRequest("GET", fmt.Sprintf("/blob/sha256/%s", hash), nil)
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != content {
			t.Errorf("GET after PUT = (%d, %q)", w.Code, w.Body.String())
		}
	})

	t.Run("repeated put keeps the blob", func(t *testing.T) {
		content := "uploaded content"
		hash := sha256Sum([]byte(content))

		req := httptest.NewRequest("PUT", fmt.Sprintf("/blob/sha256/%s", hash), strings.NewReader(content))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("repeated PUT status = %d, want 201. body: %s", w.Code, w.Body.String())
		}

		req = httptest.NewRequest("GET", fmt.Sprintf("/blob/sha256/%s", hash), nil)
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != content {
			t.Errorf("GET after repeated PUT = (%d, %q)", w.Code, w.Body.String())
		}
	})

	t.Run("put with wrong hash", func(t *testing.T) {
		hash := sha256Sum([]byte("what the client claims"))
		req := httptest.NewRequest("PUT", fmt.Sprintf("/blob/sha256/%s", hash), strings.NewReader("what it sends"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("PUT status = %d, want 422", w.Code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		req := httptest.NewRequest("DELETE", fmt.Sprintf("/blob/sha256/%s", hash1), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("DELETE status = %d, want 204", w.Code)
		}

		req = httptest.NewRequest("GET", fmt.Sprintf("/blob/sha256/%s", hash1), nil)
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET after DELETE status = %d, want 404", w.Code)
		}
	})

	t.Run("bad requests", func(t *testing.T) {
		for _, path := range []string{"/blob/sha256", "/other/sha256/abc", "/blob/md5/abc"} {
			req := httptest.NewRequest("GET", path, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("GET %s status = %d, want 400", path, w.Code)
			}
		}

		req := httptest.NewRequest("POST", fmt.Sprintf("/blob/sha256/%s", hash1), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST status = %d, want 405", w.Code)
		}
	})
}

func TestBlobHandlerUpstreamTier(t *testing.T) {
	// Upstream misses fall through to source URLs; upstream hits win.
	content := "tiered content"
	hash := sha256Sum([]byte(content))

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == fmt.Sprintf("/blob/sha256/%s", hash) {
			_, _ = w.Write([]byte(content))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstreamSrv.Close()

	dir := t.TempDir()
	c, err := cache.New(cache.Options{
		Root:          filepath.Join(dir, "cache"),
		StagingDir:    filepath.Join(dir, "staging"),
		MaxSize:       1 << 20,
		TriggerFactor: 0.8,
		ResizeFactor:  0.5,
	})
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	local := repository.NewBlobStore(c, nil)
	h := NewBlobHandler(local, []repository.Repository{repository.NewUpstream(upstreamSrv.URL, nil)}, nil)

	req := httptest.NewRequest("GET", fmt.Sprintf("/blob/sha256/%s", hash), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. body: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != content {
		t.Errorf("body = %q, want %q", w.Body.String(), content)
	}
}
