package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/lucasew/blobcache"
	"github.com/lucasew/blobcache/internal/errutil"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the blob catalog of a server",
	Run: func(cmd *cobra.Command, args []string) {
		server, err := cmd.Flags().GetString("server")
		if err != nil {
			errutil.ReportError(err, "Failed to get server flag")
			os.Exit(1)
		}
		if server == "" {
			if servers := blobcache.ServersFromEnv(); len(servers) > 0 {
				server = servers[0]
			}
		}
		if server == "" {
			errutil.ReportError(fmt.Errorf("no server configured"), "Set --server or BLOBCACHE_SERVER")
			os.Exit(1)
		}

		url := strings.TrimRight(server, "/") + "/catalog"
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
		if err != nil {
			errutil.ReportError(err, "Failed to build request")
			os.Exit(1)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errutil.ReportError(err, "Catalog request failed")
			os.Exit(1)
		}
		defer func() {
			errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
		}()
		if resp.StatusCode != http.StatusOK {
			errutil.ReportError(fmt.Errorf("server answered %d", resp.StatusCode), "Catalog request rejected")
			os.Exit(1)
		}

		var catalog struct {
			Count int64 `json:"count"`
			Size  int64 `json:"size"`
			Blobs []struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"blobs"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
			errutil.ReportError(err, "Failed to decode catalog")
			os.Exit(1)
		}

		fmt.Printf("blobs: %d, total size: %d bytes\n", catalog.Count, catalog.Size)
		for _, b := range catalog.Blobs {
			fmt.Printf("  %s  %d\n", b.Key, b.Size)
		}
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().String("server", "", "Server base URL (overrides BLOBCACHE_SERVER)")
}
