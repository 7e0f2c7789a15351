// Package main provides the medledger command line entry point.
package main

import (
	"fmt"
	"os"

	"github.com/pillpal/medledger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
