// Package cmd - trace command
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"riskengine/adapters/hcl"
	"riskengine/core/compile"
)

var traceConfiguration string

// traceCmd prints the dependency graph and resolution failures of a view
var traceCmd = &cobra.Command{
	Use:   "trace <definitions>",
	Short: "Print the build trace of compiled views",
	Long: `Compile view definitions and print, per calculation configuration, the
dependency graph nodes, execution waves, terminal outputs and the failure
trees of outputs that could not be resolved.

Examples:
  riskengine trace --market-data prices.json ./definitions
  riskengine trace --view Valuation --configuration Default views.hcl`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	addInputFlags(traceCmd)
	traceCmd.Flags().StringVarP(&traceConfiguration, "configuration", "c", "", "calculation configuration (default: all)")
}

func runTrace(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

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

	eng, err := newEngine(ctx, cfg.Engine)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.loadMarketData(marketDataFile); err != nil {
		return err
	}
	if at.IsZero() {
		at = nowUTC()
	}

	var reports []compile.TraceReport
	for _, v := range views {
		portfolio, err := doc.PortfolioFor(v)
		if err != nil {
			return err
		}
		cv, err := eng.compiler.Get(ctx, portfolio, v, at)
		if err != nil {
			return err
		}
		for _, name := range cv.Configurations() {
			if traceConfiguration != "" && name != traceConfiguration {
				continue
			}
			if t, ok := cv.Trace(name); ok {
				reports = append(reports, t.Report())
			}
		}
	}
	return printJSON(cmd.OutOrStdout(), reports)
}
