package main

// ============================================================================
// Multiworld entry point
// Purpose: Build the CLI and run it; all logic lives in internal/cli
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/multiworld/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	cli.Execute()
}
