package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lucasew/blobcache/internal/db"
	"github.com/lucasew/blobcache/internal/errutil"
)

// CatalogHandler serves a JSON listing of admitted blobs from the catalog.
type CatalogHandler struct {
	Catalog *db.Catalog
}

type catalogEntry struct {
	Key      string    `json:"key"`
	Algo     string    `json:"algo"`
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

type catalogResponse struct {
	Count int64          `json:"count"`
	Size  int64          `json:"size"`
	Blobs []catalogEntry `json:"blobs"`
}

func (h *CatalogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	blobs, err := h.Catalog.List(r.Context(), limit)
	if err != nil {
		http.Error(w, "could not list catalog", http.StatusInternalServerError)
		return
	}
	count, size, err := h.Catalog.Count(r.Context())
	if err != nil {
		http.Error(w, "could not count catalog", http.StatusInternalServerError)
		return
	}

	resp := catalogResponse{Count: count, Size: size, Blobs: make([]catalogEntry, 0, len(blobs))}
	for _, b := range blobs {
		resp.Blobs = append(resp.Blobs, catalogEntry{
			Key:      b.Key,
			Algo:     b.Algo,
			Hash:     b.Hash,
			Size:     b.Size,
			StoredAt: b.StoredAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	errutil.LogMsg(json.NewEncoder(w).Encode(resp), "could not encode catalog response")
}
