package app

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasew/blobcache/internal/cache"
	"github.com/lucasew/blobcache/internal/db"
	"github.com/lucasew/blobcache/internal/errutil"
	"github.com/lucasew/blobcache/internal/handler"
	"github.com/lucasew/blobcache/internal/repository"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Port               int
	CacheDir           string
	StagingDir         string
	MaxCacheSize       int64
	PurgeTriggerFactor float64
	PurgeResizeFactor  float64
	Upstreams          []string
	CatalogPath        string
	LogFile            string
}

// NewServer assembles the cache engine, catalog and HTTP surface. The
// returned cleanup flushes deferred deletions and closes the catalog.
func NewServer(cfg Config) (*http.Server, func(), error) {
	staging := cfg.StagingDir
	if staging == "" {
		staging = cfg.CacheDir + ".staging"
	}

	engine, err := cache.New(cache.Options{
		Root:          cfg.CacheDir,
		StagingDir:    staging,
		MaxSize:       cfg.MaxCacheSize,
		TriggerFactor: cfg.PurgeTriggerFactor,
		ResizeFactor:  cfg.PurgeResizeFactor,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize cache at %s: %w", cfg.CacheDir, err)
	}

	// The catalog must live outside the cache root, or the recovery scan
	// would index (and eventually evict) the database file itself.
	catalogPath := cfg.CatalogPath
	if catalogPath == "" {
		catalogPath = filepath.Join(filepath.Dir(cfg.CacheDir), "catalog.db")
	}
	catalog, err := db.Open(catalogPath)
	if err != nil {
		errutil.LogMsg(engine.Close(), "could not close cache during failed startup")
		return nil, nil, fmt.Errorf("open catalog at %s: %w", catalogPath, err)
	}

	local := repository.NewBlobStore(engine, catalog)
	var upstreams []repository.Repository
	for _, u := range cfg.Upstreams {
		upstreams = append(upstreams, repository.NewUpstream(u, nil))
	}

	mux := http.NewServeMux()
	mux.Handle("/blob/", handler.NewBlobHandler(local, upstreams, nil))
	mux.Handle("/catalog", &handler.CatalogHandler{Catalog: catalog})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanup := func() {
		errutil.LogMsg(engine.Close(), "could not close cache")
		errutil.LogMsg(catalog.Close(), "could not close catalog")
	}
	return server, cleanup, nil
}

// SetupLogging points the default slog logger at a rotating file when one is
// configured, keeping stderr text logging otherwise.
func SetupLogging(logFile string) {
	var w io.Writer = os.Stderr
	var h slog.Handler
	if logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		h = slog.NewJSONHandler(w, nil)
	} else {
		h = slog.NewTextHandler(w, nil)
	}
	slog.SetDefault(slog.New(h))
}
