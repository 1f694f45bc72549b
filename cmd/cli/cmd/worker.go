// Package cmd - worker command
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"riskengine/adapters/hcl"
	"riskengine/core/compile"
	"riskengine/core/dispatch"
	"riskengine/core/function"
	"riskengine/core/library"
	"riskengine/internal/logging"
)

var (
	workerAddr        string
	workerDefinitions string
)

// workerCmd serves calculation jobs for remote dispatchers
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute calculation jobs for remote dispatchers",
	Long: `Listen for calculation jobs from dispatchers configured with this
worker's address in engine.remote_workers. Definitions, when given, let the
worker resolve position and portfolio node targets locally.

Examples:
  riskengine worker --listen :9400
  riskengine worker --listen :9400 --definitions ./definitions`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerAddr, "listen", ":9400", "listen address")
	workerCmd.Flags().StringVar(&workerDefinitions, "definitions", "", "definition file or directory")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logging.Sync()

	registry := function.NewRegistry()
	if err := library.Register(registry); err != nil {
		return err
	}

	var targets function.TargetLookup
	if workerDefinitions != "" {
		doc, err := hcl.Load(workerDefinitions)
		if err != nil {
			return err
		}
		all := compile.NewTargets()
		for _, p := range doc.Portfolios {
			for _, t := range compile.Walk(p).All() {
				all.Add(t)
			}
		}
		targets = all
	}

	return dispatch.NewServer(registry, targets, logging.Named("worker")).ListenAndServe(ctx, workerAddr)
}
