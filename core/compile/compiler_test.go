package compile_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskengine/core/compile"
	"riskengine/core/function"
	"riskengine/core/library"
	"riskengine/core/marketdata"
	"riskengine/core/resolve"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func position(id, security, currency string, qty int64) *compile.Position {
	return &compile.Position{
		ID:       value.NewUniqueID("Pos", id),
		Security: security,
		Currency: currency,
		Quantity: decimal.NewFromInt(qty),
	}
}

func portfolio(positions ...*compile.Position) *compile.Portfolio {
	return &compile.Portfolio{
		ID:      value.NewUniqueID("Port", "P1"),
		Name:    "Book",
		Version: "1",
		Root: &compile.PortfolioNode{
			ID:        value.NewUniqueID("Node", "root"),
			Name:      "Root",
			Positions: positions,
		},
	}
}

func pvView(constraints value.ValueProperties, required bool) *compile.ViewDefinition {
	return &compile.ViewDefinition{
		Name:    "Valuation",
		Version: "1",
		Configurations: []compile.CalculationConfiguration{{
			Name: "Default",
			Outputs: []compile.RequestedOutput{{
				ValueName:   library.PresentValue,
				TargetType:  value.TargetPosition,
				Constraints: constraints,
				Required:    required,
			}},
		}},
	}
}

func newRegistry(t *testing.T, extra ...*function.Definition) *function.Registry {
	r := function.NewRegistry()
	require.NoError(t, library.Register(r))
	for _, d := range extra {
		require.NoError(t, r.Register(d))
	}
	return r
}

func newCompiler(t *testing.T, md marketdata.Availability, opts ...compile.Option) *compile.Compiler {
	opts = append([]compile.Option{compile.WithLogger(zap.NewNop())}, opts...)
	return compile.NewCompiler(newRegistry(t), md, opts...)
}

func securityRef(ticker string) value.TargetRef {
	return value.NewTargetRef(value.TargetSecurity, value.NewUniqueID(compile.SecurityScheme, ticker))
}

func TestCompileWithMissingMarketData(t *testing.T) {
	md := marketdata.NewStore()
	md.Set(library.MarketPrice, securityRef("ACME"), decimal.NewFromInt(100))
	c := newCompiler(t, md)

	cv, err := c.Compile(context.Background(), portfolio(position("A", "ACME", "EUR", 10)),
		pvView(value.Props(value.PropertyCurrency, "USD"), false), at)
	require.NoError(t, err)

	g, ok := cv.Graph("Default")
	require.True(t, ok)
	require.Equal(t, 1, g.Size())
	assert.Equal(t, library.MarketPrice, g.Nodes()[0].Outputs[0].Name)
	assert.Empty(t, g.TerminalOutputs())

	unresolved := cv.Unresolved()["Default"]
	require.Len(t, unresolved, 1)
	missing := unresolved[0].Find(resolve.ReasonMarketDataMissing)
	require.NotNil(t, missing)
	assert.Equal(t, library.FXRate, missing.Requirement.Name)
	assert.Len(t, cv.MarketDataSpecs(), 1)
}

func TestRequiredOutputFailsCompilation(t *testing.T) {
	c := newCompiler(t, marketdata.NewStore())

	cv, err := c.Compile(context.Background(), portfolio(position("A", "ACME", "EUR", 10)),
		pvView(value.Props(value.PropertyCurrency, "USD"), true), at)
	require.Error(t, err)
	require.NotNil(t, cv)

	var ce *compile.CompilationError
	require.True(t, stderrors.As(err, &ce))
	assert.Len(t, ce.Failures["Default"], 1)
	assert.True(t, errors.IsType(err, errors.TypeResolution))
	assert.Contains(t, err.Error(), "Default: 1 unresolved")
}

func TestRequireAllTreatsEveryOutputAsRequired(t *testing.T) {
	c := newCompiler(t, marketdata.NewStore(), compile.WithRequireAll(true))

	_, err := c.Compile(context.Background(), portfolio(position("A", "ACME", "EUR", 10)),
		pvView(value.Empty(), false), at)
	assert.True(t, errors.IsType(err, errors.TypeResolution))
}

func TestWildcardRequestSharesConcreteNode(t *testing.T) {
	md := marketdata.NewStore()
	md.Set(library.MarketPrice, securityRef("ACME"), decimal.NewFromInt(100))
	c := newCompiler(t, md)

	view := pvView(value.NewBuilder().WithAny(value.PropertyCurrency).Build(), true)
	view.Configurations[0].Outputs = append(view.Configurations[0].Outputs, compile.RequestedOutput{
		ValueName:   library.PresentValue,
		TargetType:  value.TargetPosition,
		Constraints: value.Props(value.PropertyCurrency, "USD"),
		Required:    true,
	})

	cv, err := c.Compile(context.Background(), portfolio(position("A", "ACME", "USD", 10)), view, at)
	require.NoError(t, err)

	g, _ := cv.Graph("Default")
	assert.Equal(t, 2, g.Size())
	terminals := g.TerminalOutputs()
	require.Len(t, terminals, 2)
	assert.True(t, terminals[0].Requirement.Constraints.IsWildcard(value.PropertyCurrency), "request order is kept")
	assert.True(t, terminals[0].Specification.Equal(terminals[1].Specification))
	assert.Equal(t, "USD", terminals[0].Specification.Properties.Value(value.PropertyCurrency))
}

func TestAggregationAcrossPositions(t *testing.T) {
	md := marketdata.NewStore()
	md.Set(library.MarketPrice, securityRef("ACME"), decimal.NewFromInt(100))
	md.Set(library.MarketPrice, securityRef("BETA"), decimal.NewFromInt(20))
	md.Set(library.FXRate, value.CurrencyTarget("EUR/USD").Ref(), decimal.RequireFromString("1.1"))
	c := newCompiler(t, md)

	view := &compile.ViewDefinition{
		Name: "Totals",
		Configurations: []compile.CalculationConfiguration{{
			Name:              "USD",
			DefaultProperties: value.Props(value.PropertyCurrency, "USD"),
			Outputs: []compile.RequestedOutput{{
				ValueName:  library.PositionValue,
				TargetType: value.TargetPortfolioNode,
				Required:   true,
			}},
		}},
	}
	cv, err := c.Compile(context.Background(),
		portfolio(position("A", "ACME", "EUR", 10), position("B", "BETA", "USD", 5)), view, at)
	require.NoError(t, err)

	g, _ := cv.Graph("USD")
	assert.Equal(t, 6, g.Size())
	waves, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Len(t, waves, 3)
	require.Len(t, g.TerminalOutputs(), 1)
	assert.Equal(t, library.PositionValueID, g.TerminalOutputs()[0].Specification.FunctionID())
	assert.Len(t, cv.MarketDataSpecs(), 3)
}

func TestAggregationWithoutCurrencyRecordsException(t *testing.T) {
	c := newCompiler(t, marketdata.NewStore())
	view := &compile.ViewDefinition{
		Name: "Totals",
		Configurations: []compile.CalculationConfiguration{{
			Name: "Open",
			Outputs: []compile.RequestedOutput{{
				ValueName:  library.PositionValue,
				TargetType: value.TargetPortfolioNode,
			}},
		}},
	}
	cv, err := c.Compile(context.Background(), portfolio(position("A", "ACME", "EUR", 10)), view, at)
	require.NoError(t, err)

	trace, ok := cv.Trace("Open")
	require.True(t, ok)
	require.Len(t, trace.Exceptions, 1)
	assert.Contains(t, trace.Exceptions[0].Message, "needs a currency")
}

func TestConfigurationsShareNodes(t *testing.T) {
	md := marketdata.NewStore()
	md.Set(library.MarketPrice, securityRef("ACME"), decimal.NewFromInt(100))
	c := newCompiler(t, md)

	view := pvView(value.Props(value.PropertyCurrency, "USD"), true)
	second := view.Configurations[0]
	second.Name = "Copy"
	view.Configurations = append(view.Configurations, second)

	cv, err := c.Compile(context.Background(), portfolio(position("A", "ACME", "USD", 10)), view, at)
	require.NoError(t, err)
	assert.Equal(t, []string{"Default", "Copy"}, cv.Configurations())

	a, _ := cv.Graph("Default")
	b, _ := cv.Graph("Copy")
	require.Equal(t, a.Size(), b.Size())
	for i := range a.Nodes() {
		assert.Same(t, a.Nodes()[i], b.Nodes()[i])
	}
}

func TestValidityWindow(t *testing.T) {
	expiring := &function.Definition{
		ID:         "expiring",
		TargetType: value.TargetPrimitive,
		ValidTo:    at.Add(2 * time.Hour),
		Results: func(_ *function.CompilationContext, t value.ComputationTarget) []value.ValueSpecification {
			return []value.ValueSpecification{value.NewSpecification("X", t.Ref(), value.Empty())}
		},
		Invoke: func(_ context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
			return inv.Result(1), nil
		},
	}
	reg := newRegistry(t, expiring)
	p := portfolio(position("A", "ACME", "USD", 10))
	view := pvView(value.Empty(), false)

	cv, err := compile.NewCompiler(reg, marketdata.NewStore(), compile.WithLogger(zap.NewNop())).
		Compile(context.Background(), p, view, at)
	require.NoError(t, err)
	assert.Equal(t, at.Add(2*time.Hour), cv.ValidTo)

	capped, err := compile.NewCompiler(reg, marketdata.NewStore(),
		compile.WithLogger(zap.NewNop()), compile.WithMaxValidity(time.Hour)).
		Compile(context.Background(), p, view, at)
	require.NoError(t, err)
	assert.Equal(t, at.Add(time.Hour), capped.ValidTo)
	assert.True(t, capped.IsValidAt(at.Add(30*time.Minute)))
	assert.False(t, capped.IsValidAt(at.Add(time.Hour)))
	assert.False(t, capped.IsValidAt(at.Add(-time.Minute)))
}

func TestInvalidViewAndCancellation(t *testing.T) {
	c := newCompiler(t, marketdata.NewStore())
	p := portfolio(position("A", "ACME", "USD", 10))

	_, err := c.Compile(context.Background(), p, &compile.ViewDefinition{Name: "Empty"}, at)
	assert.True(t, errors.IsType(err, errors.TypeInput))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cv, err := c.Compile(ctx, p, pvView(value.Empty(), false), at)
	assert.Nil(t, cv)
	assert.True(t, errors.IsType(err, errors.TypeCancelled))
}

func TestTraceReport(t *testing.T) {
	md := marketdata.NewStore()
	md.Set(library.MarketPrice, securityRef("ACME"), decimal.NewFromInt(100))
	c := newCompiler(t, md)

	cv, err := c.Compile(context.Background(), portfolio(position("A", "ACME", "EUR", 10)),
		pvView(value.Props(value.PropertyCurrency, "USD"), false), at)
	require.NoError(t, err)

	trace, ok := cv.Trace("Default")
	require.True(t, ok)
	report := trace.Report()
	assert.Equal(t, "Default", report.Configuration)
	assert.Len(t, report.Nodes, 1)
	assert.Len(t, report.Waves, 1)
	require.Len(t, report.Unresolved, 1)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), "MARKET_DATA_MISSING")
}

func TestWalkDeduplicatesTargets(t *testing.T) {
	a := position("A", "ACME", "USD", 10)
	a.Trades = []compile.Trade{{ID: value.NewUniqueID("Trade", "t1"), Quantity: decimal.NewFromInt(10)}}
	b := position("B", "ACME", "USD", 5)
	p := portfolio(a, b)
	p.Root.Children = []*compile.PortfolioNode{{ID: value.NewUniqueID("Node", "child"), Name: "Child"}}

	targets := compile.Walk(p)
	assert.Len(t, targets.OfType(value.TargetSecurity), 1)
	assert.Len(t, targets.OfType(value.TargetPosition), 2)
	assert.Len(t, targets.OfType(value.TargetTrade), 1)
	assert.Len(t, targets.OfType(value.TargetPortfolioNode), 2)
	assert.Equal(t, 6, targets.Len())

	trade, ok := targets.Target(value.NewTargetRef(value.TargetTrade, value.NewUniqueID("Trade", "t1")))
	require.True(t, ok)
	assert.Equal(t, value.NewTargetRef(value.TargetPosition, a.ID), trade.Parent)
	assert.Equal(t, []string{"ACME"}, p.Securities())
}
