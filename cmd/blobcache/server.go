package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucasew/blobcache/internal/app"
	"github.com/lucasew/blobcache/internal/errutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the caching HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		app.SetupLogging(viper.GetString("log-file"))

		cfg := app.Config{
			Port:               viper.GetInt("port"),
			CacheDir:           viper.GetString("cache-dir"),
			StagingDir:         viper.GetString("staging-dir"),
			MaxCacheSize:       viper.GetInt64("max-cache-size"),
			PurgeTriggerFactor: viper.GetFloat64("purge-trigger-factor"),
			PurgeResizeFactor:  viper.GetFloat64("purge-resize-factor"),
			Upstreams:          viper.GetStringSlice("upstream"),
			CatalogPath:        viper.GetString("catalog-path"),
		}

		server, cleanup, err := app.NewServer(cfg)
		if err != nil {
			slog.Error("Failed to initialize server", "error", err)
			os.Exit(1)
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			slog.Info("Starting server", "addr", server.Addr, "cache_dir", cfg.CacheDir)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server failed", "error", err)
				stop()
			}
		}()

		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errutil.LogMsg(server.Shutdown(shutdownCtx), "Failed to shut down cleanly")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().Int("port", 8080, "Port to run the server on")
	serverCmd.Flags().String("cache-dir", "./cache", "Directory to store cached blobs")
	serverCmd.Flags().String("staging-dir", "", "Directory for in-progress writes (default <cache-dir>.staging)")
	serverCmd.Flags().Int64("max-cache-size", 1024*1024*1024, "Max cache size in bytes (default 1GB)")
	serverCmd.Flags().Float64("purge-trigger-factor", 0.95, "Fraction of max size at which background purge starts")
	serverCmd.Flags().Float64("purge-resize-factor", 0.85, "Fraction of max size the purge shrinks the cache to")
	serverCmd.Flags().StringSlice("upstream", []string{}, "Upstream blobcache servers to fill misses from")
	serverCmd.Flags().String("catalog-path", "", "Path of the sqlite blob catalog (default next to cache-dir)")
	serverCmd.Flags().String("log-file", "", "Log to this rotating file instead of stderr")

	for _, flag := range []string{
		"port", "cache-dir", "staging-dir", "max-cache-size",
		"purge-trigger-factor", "purge-resize-factor", "upstream",
		"catalog-path", "log-file",
	} {
		if err := viper.BindPFlag(flag, serverCmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
}
