package blobcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sha256Sum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestClientFetch(t *testing.T) {
	content := []byte("test content")
	hash := sha256Sum(content)

	t.Run("Direct Download Success", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := w.Write(content); err != nil {
				t.Errorf("failed to write content: %v", err)
			}
		}))
		defer ts.Close()

		c := NewClient(nil, nil)
		var out bytes.Buffer
		err := c.Fetch(t.Context(), FetchOptions{
			Algo: "sha256",
			Hash: hash,
			URLs: []string{ts.URL},
			Out:  &out,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.String() != string(content) {
			t.Errorf("got %q, want %q", out.String(), string(content))
		}
	})

	t.Run("Direct Download Hash Mismatch", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := w.Write([]byte("wrong content")); err != nil {
				t.Errorf("failed to write content: %v", err)
			}
		}))
		defer ts.Close()

		c := NewClient(nil, nil)
		var out bytes.Buffer
		err := c.Fetch(t.Context(), FetchOptions{
			Algo: "sha256",
			Hash: hash,
			URLs: []string{ts.URL},
			Out:  &out,
		})
		if !errors.Is(err, ErrPartialWrite) {
			t.Errorf("expected ErrPartialWrite (bytes already written), got %v", err)
		}
	})

	t.Run("Server Preferred Over Direct", func(t *testing.T) {
		directCalled := false
		direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			directCalled = true
			_, _ = w.Write(content)
		}))
		defer direct.Close()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wantPath := "/blob/sha256/" + hash
			if r.URL.Path != wantPath {
				t.Errorf("server got path %q, want %q", r.URL.Path, wantPath)
			}
			if r.Header.Get("X-Blob-Source") == "" {
				t.Error("server request missing X-Blob-Source header")
			}
			_, _ = w.Write(content)
		}))
		defer server.Close()

		c := NewClient(nil, []string{server.URL})
		var out bytes.Buffer
		err := c.Fetch(t.Context(), FetchOptions{
			Algo: "sha256",
			Hash: hash,
			URLs: []string{direct.URL},
			Out:  &out,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if directCalled {
			t.Error("direct source should not be contacted when the server answers")
		}
		if out.String() != string(content) {
			t.Errorf("got %q, want %q", out.String(), string(content))
		}
	})

	t.Run("Server Failure Falls Back To Direct", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(content)
		}))
		defer direct.Close()

		c := NewClient(nil, []string{server.URL})
		var out bytes.Buffer
		err := c.Fetch(t.Context(), FetchOptions{
			Algo: "sha256",
			Hash: hash,
			URLs: []string{direct.URL},
			Out:  &out,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.String() != string(content) {
			t.Errorf("got %q, want %q", out.String(), string(content))
		}
	})

	t.Run("All Sources Failed", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		c := NewClient(nil, nil)
		var out bytes.Buffer
		err := c.Fetch(t.Context(), FetchOptions{
			Algo: "sha256",
			Hash: hash,
			URLs: []string{ts.URL},
			Out:  &out,
		})
		if !errors.Is(err, ErrAllSourcesFailed) {
			t.Errorf("expected ErrAllSourcesFailed, got %v", err)
		}
		var statusErr *HTTPStatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
			t.Errorf("expected wrapped HTTPStatusError(500), got %v", err)
		}
	})

	t.Run("Unsupported Algorithm", func(t *testing.T) {
		c := NewClient(nil, nil)
		var out bytes.Buffer
		err := c.Fetch(t.Context(), FetchOptions{
			Algo: "md5",
			Hash: "whatever",
			Out:  &out,
		})
		if !errors.Is(err, ErrUnsupportedAlgorithm) {
			t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
		}
	})
}

func TestServersFromEnv(t *testing.T) {
	t.Setenv("BLOBCACHE_SERVER", `"http://cache-a.internal", "http://cache-b.internal"`)
	servers := ServersFromEnv()
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0] != "http://cache-a.internal" || servers[1] != "http://cache-b.internal" {
		t.Errorf("servers = %v", servers)
	}

	t.Setenv("BLOBCACHE_SERVER", "")
	if servers := ServersFromEnv(); servers != nil {
		t.Errorf("empty env should yield nil, got %v", servers)
	}
}
