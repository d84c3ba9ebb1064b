// Package main is the entry point for the divert packet redirection engine.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/divert/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
