package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/lucasew/blobcache"
	"github.com/lucasew/blobcache/internal/errutil"
	"github.com/lucasew/blobcache/internal/hashutil"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <algo> <file>",
	Short: "Upload a local file to a blobcache server",
	Long: `put hashes the file with the given algorithm and uploads it to the first
configured server (--server flag or BLOBCACHE_SERVER), printing the
resulting content address.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		algo := args[0]
		path := args[1]

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

		hash, size, err := hashFile(algo, path)
		if err != nil {
			errutil.ReportError(err, "Failed to hash file", "path", path)
			os.Exit(1)
		}

		file, err := os.Open(path)
		if err != nil {
			errutil.ReportError(err, "Failed to open file", "path", path)
			os.Exit(1)
		}
		defer func() {
			errutil.LogMsg(file.Close(), "Failed to close input file")
		}()

		bar := progressbar.DefaultBytes(size, "uploading")
		url := fmt.Sprintf("%s/blob/%s/%s", strings.TrimRight(server, "/"), algo, hash)
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPut, url, io.TeeReader(file, bar))
		if err != nil {
			errutil.ReportError(err, "Failed to build request")
			os.Exit(1)
		}
		req.ContentLength = size

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errutil.ReportError(err, "Upload failed")
			os.Exit(1)
		}
		defer func() {
			errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
		}()
		if resp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(resp.Body)
			errutil.ReportError(
				fmt.Errorf("server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
				"Upload rejected")
			os.Exit(1)
		}

		fmt.Printf("%s/%s\n", algo, hash)
	},
}

func hashFile(algo, path string) (string, int64, error) {
	hasher, err := hashutil.GetHasher(algo)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		errutil.LogMsg(f.Close(), "Failed to close file after hashing")
	}()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().String("server", "", "Server base URL (overrides BLOBCACHE_SERVER)")
}
