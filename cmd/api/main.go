// Package main is the fortifai API binary. It serves the asset graph and
// relocation API over HTTP and exposes the same operations as one-shot
// commands.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
