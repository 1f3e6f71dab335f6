package main

// ============================================================================
// Responsibilities:
// 1. CLI entry point
// 2. Build and execute the command tree
// 3. Top-level error handling and panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/edinet-harvest/internal/cli"
)

// Injected at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/edinet
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
