package main

import (
	"github.com/spf13/cobra"

	"github.com/rrbutani/nix/git"
)

func NewCloneCommand() *cobra.Command {
	var cacheRoot string

	cmd := &cobra.Command{
		Use:   "clone <url> <dest>",
		Short: "Clone a Git input into a directory.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := git.InputFromURL(args[0])
			if err != nil {
				return err
			}

			fetcher, err := newFetcher(cacheRoot, 0)
			if err != nil {
				return err
			}

			return fetcher.Clone(cmd.Context(), input, args[1])
		},
	}

	cmd.Flags().StringVar(&cacheRoot, "cache-root", "", "Override the cache root directory")

	return cmd
}
