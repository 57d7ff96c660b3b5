// Package main provides the entry point for the obsidx CLI.
package main

import (
	"os"

	"github.com/leeparayno/obsidx/cmd/obsidx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
