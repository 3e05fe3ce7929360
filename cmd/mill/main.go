// Package main provides the entry point for the mill CLI.
package main

import (
	"os"

	"github.com/millrace/mill/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
