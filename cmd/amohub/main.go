// Package main is the entry point for the amohub CLI.
package main

import (
	"os"

	"github.com/amohub/amohub/cmd/amohub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
