// Package main is the entry point for the clarification orchestrator.
// The serve command runs the HTTP API with the event bus, generation gateway
// and snapshot persistence wired together.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
