package scenario_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskengine/core/compile"
	"riskengine/core/function"
	"riskengine/core/graph"
	"riskengine/core/library"
	"riskengine/core/marketdata"
	"riskengine/core/scenario"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func compiled(t *testing.T) (*compile.CompiledView, *function.Registry) {
	reg := function.NewRegistry()
	require.NoError(t, library.Register(reg))

	md := marketdata.NewStore()
	md.Set(library.MarketPrice, value.NewTargetRef(value.TargetSecurity, value.NewUniqueID(compile.SecurityScheme, "ACME")), decimal.NewFromInt(100))
	md.Set(library.FXRate, value.CurrencyTarget("EUR/USD").Ref(), decimal.RequireFromString("1.1"))

	p := &compile.Portfolio{
		ID:      value.NewUniqueID("Port", "P1"),
		Version: "1",
		Root: &compile.PortfolioNode{
			ID:   value.NewUniqueID("Node", "root"),
			Name: "Root",
			Positions: []*compile.Position{{
				ID: value.NewUniqueID("Pos", "A"), Security: "ACME", Currency: "EUR", Quantity: decimal.NewFromInt(10),
			}},
		},
	}
	view := &compile.ViewDefinition{
		Name: "Valuation",
		Configurations: []compile.CalculationConfiguration{{
			Name:              "Default",
			DefaultProperties: value.Props(value.PropertyCurrency, "USD"),
			Outputs: []compile.RequestedOutput{
				{ValueName: library.PresentValue, TargetType: value.TargetPosition, Required: true},
				{ValueName: library.PositionValue, TargetType: value.TargetPortfolioNode, Required: true},
			},
			Specific: []compile.SpecificRequirement{{
				Requirement: value.NewRequirement(library.FXRate, value.CurrencyTarget("EUR/USD").Ref(),
					value.NewBuilder().WithAbsent(value.PropertyCurrency).Build()),
				Required: true,
			}},
		}},
	}
	cv, err := compile.NewCompiler(reg, md, compile.WithLogger(zap.NewNop())).Compile(context.Background(), p, view, at)
	require.NoError(t, err)
	return cv, reg
}

func baseGraph(t *testing.T) (*graph.DependencyGraph, *function.Registry) {
	cv, reg := compiled(t)
	g, ok := cv.Graph("Default")
	require.True(t, ok)
	return g, reg
}

func nodeIDs(g *graph.DependencyGraph) []string {
	var ids []string
	for _, n := range g.Nodes() {
		ids = append(ids, n.ID)
	}
	return ids
}

func decorators(g *graph.DependencyGraph) []*graph.Node {
	var out []*graph.Node
	for _, n := range g.Nodes() {
		if n.Function.Kind == function.KindScenario {
			out = append(out, n)
		}
	}
	return out
}

func TestDecorateWrapsMatchingNodes(t *testing.T) {
	g, reg := baseGraph(t)
	def := scenario.New("bump").Add(function.ScenarioArgument{
		Function:   library.MarketPriceSourceID,
		Parameters: map[string]string{library.ParamRelative: "0.1"},
	})

	decorated, err := scenario.Decorate(g, def, reg)
	require.NoError(t, err)
	assert.Equal(t, g.Size()+1, decorated.Size())

	wrapped := decorators(decorated)
	require.Len(t, wrapped, 1)
	d := wrapped[0]
	assert.Equal(t, library.ShiftMarketPriceID, d.FunctionID())
	require.Len(t, d.Inputs, 1)
	assert.Equal(t, "bump", d.Inputs[0].Properties.Value(value.PropertyScenarioInput))
	assert.False(t, d.Outputs[0].Properties.Defines(value.PropertyScenarioInput))

	params, ok := d.Parameters.(*function.ScenarioParameters)
	require.True(t, ok)
	assert.Equal(t, "bump", params.Scenario)
	assert.Len(t, params.Global, 1)
	assert.Empty(t, params.Scoped)

	inner, ok := decorated.Producer(d.Inputs[0])
	require.True(t, ok)
	assert.True(t, inner.IsMarketData())

	assert.Equal(t, g.TerminalOutputs(), decorated.TerminalOutputs())
	assert.NoError(t, graph.CheckInvariants(decorated))
}

func TestDecorateDoesNotMutateBase(t *testing.T) {
	g, reg := baseGraph(t)
	before := nodeIDs(g)
	waves, err := g.TopologicalOrder()
	require.NoError(t, err)
	depth := len(waves)

	def := scenario.New("bump").
		Add(function.ScenarioArgument{Function: library.MarketPriceSourceID, Parameters: map[string]string{library.ParamRelative: "0.1"}}).
		Add(function.ScenarioArgument{Function: library.FXRateSourceID, Parameters: map[string]string{library.ParamAbsolute: "0.05"}})
	decorated, err := scenario.Decorate(g, def, reg)
	require.NoError(t, err)
	assert.Len(t, decorators(decorated), 2)

	assert.Equal(t, before, nodeIDs(g))
	after, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Len(t, after, depth)
	assert.Empty(t, decorators(g))
}

func TestScopedArgumentsOnlyApplyUpstreamOfOutput(t *testing.T) {
	g, reg := baseGraph(t)

	// The FX rate is requested directly and also feeds PresentValue
	def := scenario.New("fx").Add(function.ScenarioArgument{
		Function:   library.MarketPriceSourceID,
		Output:     library.FXRate,
		Parameters: map[string]string{library.ParamRelative: "0.2"},
	})
	decorated, err := scenario.Decorate(g, def, reg)
	require.NoError(t, err)
	assert.Empty(t, decorators(decorated), "market price is not upstream of the FX output")

	def = scenario.New("pv").Add(function.ScenarioArgument{
		Function:   library.MarketPriceSourceID,
		Output:     library.PresentValue,
		Parameters: map[string]string{library.ParamRelative: "0.2"},
	})
	decorated, err = scenario.Decorate(g, def, reg)
	require.NoError(t, err)
	wrapped := decorators(decorated)
	require.Len(t, wrapped, 1)
	params := wrapped[0].Parameters.(*function.ScenarioParameters)
	assert.Empty(t, params.Global)
	require.Len(t, params.Scoped, 1)
	assert.Equal(t, library.PresentValue, params.Scoped[0].Output)
}

func TestGlobalAndScopedArgumentsAreBothKept(t *testing.T) {
	g, reg := baseGraph(t)
	def := scenario.New("both").
		Add(function.ScenarioArgument{Function: library.MarketPriceSourceID, Parameters: map[string]string{library.ParamRelative: "0.1"}}).
		Add(function.ScenarioArgument{Function: library.MarketPriceSourceID, Output: library.PresentValue, Parameters: map[string]string{library.ParamAbsolute: "1"}}).
		Add(function.ScenarioArgument{Function: library.MarketPriceSourceID, Output: library.PositionValue, Parameters: map[string]string{library.ParamAbsolute: "2"}})

	decorated, err := scenario.Decorate(g, def, reg)
	require.NoError(t, err)
	wrapped := decorators(decorated)
	require.Len(t, wrapped, 1)

	args := wrapped[0].Parameters.(*function.ScenarioParameters).Arguments()
	require.Len(t, args, 3)
	assert.Equal(t, "", args[0].Output)
	assert.Equal(t, library.PositionValue, args[1].Output)
	assert.Equal(t, library.PresentValue, args[2].Output)
}

func TestMergeConcatenates(t *testing.T) {
	a := scenario.New("a").
		Add(function.ScenarioArgument{Function: "f", Parameters: map[string]string{"k": "1"}}).
		Add(function.ScenarioArgument{Function: "f", Output: "PV", Parameters: map[string]string{"k": "3"}})
	b := scenario.New("b").
		Add(function.ScenarioArgument{Function: "f", Parameters: map[string]string{"k": "2"}}).
		Add(function.ScenarioArgument{Function: "g"})

	m := scenario.Merge(a, b)
	assert.Equal(t, "a+b", m.Name)

	global := m.GlobalFor("f")
	require.Len(t, global, 2)
	assert.Equal(t, "1", global[0].Parameters["k"])
	assert.Equal(t, "2", global[1].Parameters["k"])
	assert.Len(t, m.ScopedFor("PV", "f"), 1)
	assert.Equal(t, []string{"f", "g"}, m.FunctionTypes())

	assert.Len(t, a.Global, 1, "inputs are not modified")
	assert.Same(t, a, scenario.Merge(a, nil))
}

func TestDecorateErrors(t *testing.T) {
	g, reg := baseGraph(t)

	_, err := scenario.Decorate(g, scenario.New("bad").Add(function.ScenarioArgument{Function: library.PresentValueID}), reg)
	assert.ErrorIs(t, err, scenario.ErrNoScenarioFunction)
	assert.True(t, errors.IsType(err, errors.TypeConfig))

	_, err = scenario.Decorate(g, &scenario.Definition{}, reg)
	assert.True(t, errors.IsType(err, errors.TypeInput))

	same, err := scenario.Decorate(g, scenario.New("noop"), reg)
	require.NoError(t, err)
	assert.Equal(t, nodeIDs(g), nodeIDs(same))
}

func TestDecorateView(t *testing.T) {
	cv, reg := compiled(t)
	def := scenario.New("bump").Add(function.ScenarioArgument{Function: library.FXRateSourceID, Parameters: map[string]string{library.ParamRelative: "0.1"}})

	decorated, err := scenario.DecorateView(cv, def, reg)
	require.NoError(t, err)

	base, _ := cv.Graph("Default")
	g, _ := decorated.Graph("Default")
	assert.Equal(t, base.Size()+1, g.Size())
	assert.Equal(t, cv.ID, decorated.ID)
	assert.Empty(t, decorators(base))
}
