package main

import (
	"fmt"
	"os"

	"github.com/lucasew/blobcache/internal/errutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "blobcache",
	Short: "A local disk cache for content-addressable blob storage",
	Long: `blobcache keeps a size-bounded LRU cache of content-addressed blobs on
local disk and serves them over HTTP, reclaiming space in the background
once usage crosses the configured purge trigger.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix("BLOBCACHE")
	viper.AutomaticEnv()
}
