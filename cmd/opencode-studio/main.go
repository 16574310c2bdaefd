// Package main provides the entry point for opencode-studio.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/canxin121/opencode-studio-sub001/cmd/opencode-studio/commands"
)

func main() {
	// Best-effort: a missing .env is normal, not an error.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
