package resolve

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"riskengine/core/function"
	"riskengine/core/graph"
	"riskengine/core/marketdata"
	"riskengine/core/value"
)

var (
	position = value.NewTarget(value.TargetPosition, value.NewUniqueID("Pos", "T"), "T", nil)
	fxTarget = value.CurrencyTarget("EUR/USD")
)

type lookup map[value.TargetRef]value.ComputationTarget

func (l lookup) Target(ref value.TargetRef) (value.ComputationTarget, bool) {
	t, ok := l[ref]
	return t, ok
}

func invokeOne(_ context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
	return inv.Result(decimal.NewFromInt(1)), nil
}

func source(name string, props value.ValueProperties) *function.Definition {
	return &function.Definition{
		ID:         name + "Source",
		Kind:       function.KindMarketData,
		TargetType: value.TargetAny,
		Results: func(_ *function.CompilationContext, t value.ComputationTarget) []value.ValueSpecification {
			return []value.ValueSpecification{value.NewSpecification(name, t.Ref(), props)}
		},
	}
}

func presentValue() *function.Definition {
	return &function.Definition{
		ID:         "pv",
		TargetType: value.TargetPosition,
		Results: func(_ *function.CompilationContext, t value.ComputationTarget) []value.ValueSpecification {
			return []value.ValueSpecification{
				value.NewSpecification("PresentValue", t.Ref(), value.NewBuilder().WithAny(value.PropertyCurrency).Build()),
			}
		},
		Requirements: func(_ *function.CompilationContext, t value.ComputationTarget, _ value.ValueRequirement) ([]value.ValueRequirement, error) {
			return []value.ValueRequirement{
				value.NewRequirement("MarketPrice", t.Ref(), value.Empty()),
				value.NewRequirement("FXRate", fxTarget.Ref(), value.NewBuilder().WithAny("pair").Build()),
			}, nil
		},
		Invoke: invokeOne,
	}
}

func registry(t *testing.T, defs ...*function.Definition) *function.Registry {
	r := function.NewRegistry()
	for _, d := range defs {
		require.NoError(t, r.Register(d))
	}
	return r
}

func standardRegistry(t *testing.T) *function.Registry {
	return registry(t,
		presentValue(),
		source("MarketPrice", value.Empty()),
		source("FXRate", value.NewBuilder().WithAny("pair").Build()),
	)
}

func newResolver(reg *function.Registry, md marketdata.Availability) *Resolver {
	ctx := &function.CompilationContext{
		At:            time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		Configuration: "Default",
		Targets:       lookup{position.Ref(): position},
	}
	return New(reg, md, graph.NewDependencyGraph("Default"), ctx, WithLogger(zap.NewNop()))
}

func pvReq(props value.ValueProperties) value.ValueRequirement {
	return value.NewRequirement("PresentValue", position.Ref(), props)
}

func TestMissingMarketDataKeepsResolvedInputs(t *testing.T) {
	md := marketdata.NewStore()
	md.Set("MarketPrice", position.Ref(), decimal.NewFromInt(100))
	r := newResolver(standardRegistry(t), md)

	_, f := r.ResolveTerminal(pvReq(value.Props(value.PropertyCurrency, "USD")))
	require.NotNil(t, f)
	assert.Equal(t, ReasonCouldNotSatisfy, f.Reason)

	dep := f.Find(ReasonUnsatisfiedDependency)
	require.NotNil(t, dep)
	assert.Equal(t, "pv", dep.Function)

	missing := f.Find(ReasonMarketDataMissing)
	require.NotNil(t, missing)
	assert.Equal(t, "FXRate", missing.Requirement.Name)

	g := r.Graph()
	require.Equal(t, 1, g.Size())
	assert.Equal(t, "MarketPrice", g.Nodes()[0].Outputs[0].Name)
	assert.Empty(t, g.TerminalOutputs())
	assert.Len(t, r.Tracker().Unresolved(), 1)
	assert.Contains(t, f.Render(), "MARKET_DATA_MISSING")
}

func TestResolveBuildsBottomUpGraph(t *testing.T) {
	md := marketdata.NewStore()
	md.Set("MarketPrice", position.Ref(), decimal.NewFromInt(100))
	md.Set("FXRate", fxTarget.Ref(), decimal.RequireFromString("1.1"))
	r := newResolver(standardRegistry(t), md)

	spec, f := r.ResolveTerminal(pvReq(value.Props(value.PropertyCurrency, "USD")))
	require.Nil(t, f)
	assert.Equal(t, "USD", spec.Properties.Value(value.PropertyCurrency))
	assert.Equal(t, "pv", spec.FunctionID())

	g := r.Graph()
	assert.Equal(t, 3, g.Size())
	waves, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Len(t, waves, 2)
	assert.Len(t, g.TerminalOutputs(), 1)
	assert.NoError(t, graph.CheckInvariants(g))
}

func TestResolutionIsDeterministic(t *testing.T) {
	md := marketdata.NewStore()
	md.Set("MarketPrice", position.Ref(), 1.0)
	md.Set("FXRate", fxTarget.Ref(), 1.0)
	reg := standardRegistry(t)

	var keys []string
	var ids [][]string
	for i := 0; i < 3; i++ {
		r := newResolver(reg, md)
		spec, f := r.Resolve(pvReq(value.Props(value.PropertyCurrency, "USD")))
		require.Nil(t, f)
		keys = append(keys, spec.Key())
		var nodeIDs []string
		for _, n := range r.Graph().Nodes() {
			nodeIDs = append(nodeIDs, n.ID)
		}
		ids = append(ids, nodeIDs)
	}
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[1], keys[2])
	assert.Equal(t, ids[0], ids[2])
}

func TestCompatibleConstraintsShareNode(t *testing.T) {
	md := marketdata.NewStore()
	md.Set("MarketPrice", position.Ref(), 1.0)
	md.Set("FXRate", fxTarget.Ref(), 1.0)
	r := newResolver(standardRegistry(t), md)

	usd, f := r.Resolve(pvReq(value.Props(value.PropertyCurrency, "USD")))
	require.Nil(t, f)
	anyCcy, f := r.Resolve(pvReq(value.NewBuilder().WithAny(value.PropertyCurrency).Build()))
	require.Nil(t, f)
	assert.True(t, usd.Equal(anyCcy))
	assert.Equal(t, 3, r.Graph().Size())

	eur, f := r.Resolve(pvReq(value.Props(value.PropertyCurrency, "EUR")))
	require.Nil(t, f)
	assert.False(t, eur.Equal(usd))
	assert.Equal(t, "EUR", eur.Properties.Value(value.PropertyCurrency))
	assert.Equal(t, 4, r.Graph().Size())
}

func TestNoFunctions(t *testing.T) {
	r := newResolver(registry(t, presentValue()), marketdata.NewStore())

	_, f := r.Resolve(value.NewRequirement("FXRate", fxTarget.Ref(), value.Empty()))
	require.NotNil(t, f)
	assert.Equal(t, ReasonNoFunctions, f.Reason)
}

func TestUnknownTarget(t *testing.T) {
	r := newResolver(standardRegistry(t), marketdata.NewStore())
	missing := value.NewTargetRef(value.TargetPosition, value.NewUniqueID("Pos", "nope"))

	_, f := r.Resolve(value.NewRequirement("PresentValue", missing, value.Empty()))
	require.NotNil(t, f)
	assert.Equal(t, ReasonUnknownTarget, f.Reason)
}

func TestRecursiveRequirement(t *testing.T) {
	loop := &function.Definition{
		ID:         "loop",
		TargetType: value.TargetPrimitive,
		Results: func(_ *function.CompilationContext, t value.ComputationTarget) []value.ValueSpecification {
			return []value.ValueSpecification{value.NewSpecification("A", t.Ref(), value.Empty())}
		},
		Requirements: func(_ *function.CompilationContext, t value.ComputationTarget, desired value.ValueRequirement) ([]value.ValueRequirement, error) {
			return []value.ValueRequirement{desired}, nil
		},
		Invoke: invokeOne,
	}
	r := newResolver(registry(t, loop), marketdata.NewStore())

	_, f := r.Resolve(value.NewRequirement("A", value.PrimitiveTarget("Test", "x").Ref(), value.Empty()))
	require.NotNil(t, f)
	assert.True(t, f.Contains(ReasonRecursiveRequirement))
	assert.Equal(t, 0, r.Graph().Size())
}

func TestFailedCandidateIsKeptWhenFallbackSucceeds(t *testing.T) {
	broken := &function.Definition{
		ID:         "broken",
		TargetType: value.TargetPosition,
		Priority:   1,
		Results:    presentValue().Results,
		Requirements: func(*function.CompilationContext, value.ComputationTarget, value.ValueRequirement) ([]value.ValueRequirement, error) {
			return nil, fmt.Errorf("curve not configured")
		},
		Invoke: invokeOne,
	}
	constant := &function.Definition{
		ID:         "constant",
		TargetType: value.TargetPosition,
		Results:    presentValue().Results,
		Invoke:     invokeOne,
	}
	r := newResolver(registry(t, broken, constant), marketdata.NewStore())
	req := pvReq(value.Props(value.PropertyCurrency, "USD"))

	spec, f := r.Resolve(req)
	require.Nil(t, f)
	assert.Equal(t, "constant", spec.FunctionID())

	recorded := r.Tracker().For(req)
	require.Len(t, recorded, 1)
	assert.Equal(t, "broken", recorded[0].Function)
	assert.Equal(t, map[string]int{"curve not configured": 1}, r.Tracker().Exceptions())

	_, _ = r.Resolve(pvReq(value.Props(value.PropertyCurrency, "EUR")))
	top := r.Tracker().TopExceptions()
	require.Len(t, top, 1)
	assert.Equal(t, 2, top[0].Count)
}

func TestUnsatisfiableConstraints(t *testing.T) {
	r := newResolver(registry(t, presentValue()), marketdata.NewStore())

	_, f := r.Resolve(pvReq(value.NewBuilder().WithAbsent(value.PropertyCurrency).Build()))
	require.NotNil(t, f)
	assert.Equal(t, ReasonCouldNotSatisfy, f.Reason)
	require.Len(t, f.Children, 1)
	assert.Equal(t, "pv", f.Children[0].Function)
}
