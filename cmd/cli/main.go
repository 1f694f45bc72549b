// Package main is the entry point for the riskengine CLI.
package main

import (
	"os"

	"riskengine/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
