// Package main is the entry point for the memoracle CLI.
package main

import (
	"os"

	"github.com/memoracle/memoracle/cmd/memoracle/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
