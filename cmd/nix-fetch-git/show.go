package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rrbutani/nix/git"
)

func NewShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <url>",
		Short: "Parse a Git input URL and print its attributes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := git.InputFromURL(args[0])
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(input.Attrs(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			canonical, err := input.ToURL()
			if err != nil {
				return err
			}
			fmt.Println(canonical.String())
			return nil
		},
	}

	return cmd
}
