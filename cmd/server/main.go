// Package main - Entry point for the riskengine results server
package main

import (
	"os"

	"riskengine/cmd/cli/cmd"
)

func main() {
	serve := cmd.NewServeCommand()
	serve.Use = "riskengine-server <definitions>"
	if err := cmd.ExecuteCommand(serve); err != nil {
		os.Exit(1)
	}
}
