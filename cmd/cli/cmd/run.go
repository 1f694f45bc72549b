// Package cmd - run command
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"riskengine/adapters/hcl"
	"riskengine/core/cycle"
	"riskengine/internal/logging"
)

var (
	viewName       string
	marketDataFile string
	scenarioFile   string
	scenarioName   string
	valuationTime  string
	outputFile     string
)

// runCmd runs one full cycle per view and prints the results
var runCmd = &cobra.Command{
	Use:   "run <definitions>",
	Short: "Run one calculation cycle and print the results",
	Long: `Compile view definitions and run a single full cycle against a market
data file. The path can be a definition file or a directory of .hcl files.

Examples:
  riskengine run --market-data prices.json ./definitions
  riskengine run --view Valuation --at 2026-03-02T09:00:00Z --market-data prices.json views.hcl
  riskengine run --scenarios shocks.yaml --scenario Bump --market-data prices.json ./definitions`,
	Args: cobra.ExactArgs(1),
	RunE: runCycle,
}

func addInputFlags(c *cobra.Command) {
	c.Flags().StringVar(&viewName, "view", "", "view definition to run (default: all)")
	c.Flags().StringVarP(&marketDataFile, "market-data", "m", "", "market data file (JSON)")
	c.Flags().StringVar(&valuationTime, "at", "", "valuation time (RFC 3339, default: now)")
}

func init() {
	addInputFlags(runCmd)
	runCmd.Flags().StringVar(&scenarioFile, "scenarios", "", "scenario file (YAML)")
	runCmd.Flags().StringVar(&scenarioName, "scenario", "", "scenario to apply")
	runCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write results to a file instead of stdout")
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Named("run")
	defer logging.Sync()

	at, err := parseTime(valuationTime)
	if err != nil {
		return err
	}
	doc, err := hcl.Load(args[0])
	if err != nil {
		return err
	}
	views, err := selectViews(doc, viewName)
	if err != nil {
		return err
	}
	def, err := loadScenario(scenarioFile, scenarioName)
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, cfg.Engine)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.loadMarketData(marketDataFile); err != nil {
		return err
	}

	results := make([]*cycle.ResultModel, 0, len(views))
	for _, v := range views {
		portfolio, err := doc.PortfolioFor(v)
		if err != nil {
			return err
		}
		p := cycle.NewViewProcess(v, portfolio, eng.compiler, eng.store, eng.dispatcher, processOptions(cfg.Engine, def, at)...)
		m, err := p.RunCycle(ctx)
		p.Stop()
		if err != nil {
			return fmt.Errorf("view %s: %w", v.Name, err)
		}
		logger.Info("cycle completed",
			zap.String("view", v.Name),
			zap.String("cycle_id", m.CycleID),
			zap.Int("values", m.Len()),
			zap.Duration("duration", m.Duration))
		results = append(results, m)
	}

	if outputFile == "" {
		return printJSON(cmd.OutOrStdout(), results)
	}
	f, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer f.Close()
	return printJSON(f, results)
}
