// Package main provides the entry point for the pitboss CLI.
package main

import (
	"os"

	"github.com/pitboss-dev/pitboss/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
