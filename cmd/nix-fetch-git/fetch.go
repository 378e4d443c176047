package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/rrbutani/nix/git"
	"github.com/rrbutani/nix/store"
)

// newFetcher wires up a fetcher over the standard cache locations.
func newFetcher(cacheRoot string, ttl time.Duration) (*git.Fetcher, error) {
	settings := git.DefaultSettings()
	if cacheRoot != "" {
		settings.CacheRoot = cacheRoot
	}
	if ttl > 0 {
		settings.TarballTTL = ttl
	}

	fs := osfs.New("/")
	st, err := store.NewLocal(fs, filepath.Join(settings.CacheRoot, "nix", "store"))
	if err != nil {
		return nil, err
	}
	cache, err := store.NewCache(fs, filepath.Join(settings.CacheRoot, "nix", "fetcher-cache.json"))
	if err != nil {
		return nil, err
	}

	return git.NewFetcher(settings, st, cache), nil
}

func NewFetchCommand() *cobra.Command {
	var cacheRoot string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch a Git input and print its locked metadata.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := git.InputFromURL(args[0])
			if err != nil {
				return err
			}

			fetcher, err := newFetcher(cacheRoot, ttl)
			if err != nil {
				return err
			}

			_, locked, err := fetcher.GetAccessor(cmd.Context(), input)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(locked.Attrs(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&cacheRoot, "cache-root", "", "Override the cache root directory")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Override the ref freshness TTL")

	return cmd
}
