// Package main is the entry point for the virtwl tool.
package main

import (
	"fmt"
	"os"

	"github.com/ardnew/virtwl/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
