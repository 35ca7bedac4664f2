package main

// ============================================================================
// searchq entry point
// 1. Build the command tree
// 2. Execute it; a returned error exits with status 1
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/searchq/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
