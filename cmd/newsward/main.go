// Package main is the entry point for the newsward CLI.
package main

import (
	"fmt"
	"os"

	"github.com/prensa-labs/newsward/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
