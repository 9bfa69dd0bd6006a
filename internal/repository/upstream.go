package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Upstream reads blobs from another blobcache server, enabling cache
// tiering: a miss here can be answered by a bigger shared instance.
type Upstream struct {
	BaseURL string
	Client  *http.Client
}

func NewUpstream(baseURL string, client *http.Client) *Upstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &Upstream{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
	}
}

// Exists checks blob presence upstream with a HEAD request.
func (r *Upstream) Exists(ctx context.Context, algo, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.blobURL(algo, hash), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK, nil
}

func (r *Upstream) Get(ctx context.Context, algo, hash string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.blobURL(algo, hash), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (r *Upstream) blobURL(algo, hash string) string {
	return fmt.Sprintf("%s/blob/%s/%s", r.BaseURL, algo, hash)
}
