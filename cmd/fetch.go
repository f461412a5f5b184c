package cmd

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/spf13/cobra"
)

var (
	// OutputDir is where fetched images are written (empty: discard bytes)
	OutputDir string

	// MaxConcurrent bounds parallel fetches for multiple URLs
	MaxConcurrent int

	// InitRetries is how many times init is attempted before giving up
	InitRetries int
)

// fetchCmd fetches one or more image URLs through the tunnel. The URLs are
// supplied by the caller; this command never parses HTML.
var fetchCmd = &cobra.Command{
	Use:   "fetch URL [URL...]",
	Short: "Fetch images through the privacy tunnel",
	Long: `Fetch downloads the given image URLs through the encrypted tunnel,
validates that the responses really are images, and optionally writes
them to a directory.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := initWithRetry(); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		results := Container.ProxyService.FetchImagesBatch(context.Background(), args, MaxConcurrent)

		failures := 0
		for _, result := range results {
			if !result.Success {
				failures++
				fmt.Printf("FAIL  %s: %v\n", result.URL, result.Err)
				continue
			}
			note := ""
			if result.Image.FromCache {
				note = " (cached)"
			}
			fmt.Printf("OK    %s: %d bytes, %s%s\n", result.URL, len(result.Image.Bytes), result.Image.ContentType, note)

			if OutputDir != "" {
				if err := writeImage(OutputDir, result.URL, result.Image.Bytes); err != nil {
					fmt.Printf("      could not write %s: %v\n", result.URL, err)
				}
			}
		}

		if failures > 0 {
			os.Exit(1)
		}
	},
}

// initWithRetry drives ProxyService.Init with exponential backoff. The core
// never retries internally; retry policy lives here, in the caller.
func initWithRetry() error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt < InitRetries; attempt++ {
		err = Container.ProxyService.Init(context.Background(), Container.Config.StoragePath, Container.Config.MaxCacheBytes)
		if err == nil {
			return nil
		}
		d := b.Duration()
		Container.Logger.Warn("Init failed (attempt %d/%d), retrying in %s: %v", attempt+1, InitRetries, d.Round(time.Millisecond), err)
		time.Sleep(d)
	}
	return err
}

// writeImage stores fetched bytes under dir using the URL's base name.
func writeImage(dir, rawURL string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := path.Base(rawURL)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "/" || name == "." {
		name = "image"
	}
	return os.WriteFile(filepath.Join(dir, filepath.Base(name)), data, 0644)
}

func init() {
	fetchCmd.Flags().StringVarP(&OutputDir, "output-dir", "o", "", "Directory to write fetched images to")
	fetchCmd.Flags().IntVar(&MaxConcurrent, "max-concurrent", 4, "Maximum concurrent fetches")
	fetchCmd.Flags().IntVar(&InitRetries, "init-retries", 3, "Init attempts before giving up")
	RootCmd.AddCommand(fetchCmd)
}
