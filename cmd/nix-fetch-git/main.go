package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "nix-fetch-git",
		Short: "Fetch Git sources into a content-addressed store",
	}

	rootCmd.AddCommand(NewFetchCommand())
	rootCmd.AddCommand(NewCloneCommand())
	rootCmd.AddCommand(NewShowCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
