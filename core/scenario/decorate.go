package scenario

import (
	"riskengine/core/compile"
	"riskengine/core/function"
	"riskengine/core/graph"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

// ErrNoScenarioFunction is returned when an argument's function type has no
// registered scenario function wrapping it
var ErrNoScenarioFunction = errors.New(errors.TypeConfig, "no scenario function for function type")

// Decorate returns a copy of g in which every node whose function type has
// matching arguments is wrapped by the scenario function for that type. The
// wrapped node's outputs are relabelled with the ScenarioInput property and the
// decorator produces the original specifications, so consumers are unchanged.
func Decorate(g *graph.DependencyGraph, def *Definition, registry *function.Registry) (*graph.DependencyGraph, error) {
	if err := def.Validate(); err != nil {
		return nil, errors.Wrap(errors.TypeInput, "invalid scenario", err)
	}
	out := g.Copy()
	if def.IsEmpty() {
		return out, nil
	}

	upstream := make(map[string]map[string]bool)
	for _, output := range def.Outputs() {
		upstream[output] = reachable(g, output)
	}

	var batch []graph.Replacement
	for _, n := range g.Nodes() {
		if n.Function.Kind == function.KindScenario {
			continue
		}
		typ := n.Function.DecorationType()
		params := &function.ScenarioParameters{Scenario: def.Name, Global: def.GlobalFor(typ)}
		for _, output := range def.Outputs() {
			if upstream[output][n.ID] {
				params.Scoped = append(params.Scoped, def.ScopedFor(output, typ)...)
			}
		}
		if len(params.Global) == 0 && len(params.Scoped) == 0 {
			continue
		}

		fn, ok := registry.ScenarioFunction(typ)
		if !ok {
			return nil, errors.Wrapf(errors.TypeConfig, ErrNoScenarioFunction, "scenario %s: %s", def.Name, typ)
		}

		inner, decorator := wrap(n, fn, def.Name, params)
		batch = append(batch, graph.Replacement{OldID: n.ID, Nodes: []*graph.Node{inner, decorator}})
	}
	if err := out.ReplaceProducers(batch); err != nil {
		return nil, errors.Wrapf(errors.TypeInvariant, err, "scenario %s: decorating %d nodes", def.Name, len(batch))
	}
	return out, nil
}

// wrap builds the relabelled inner node and the decorator node replacing n
func wrap(n *graph.Node, fn *function.Definition, scenario string, params *function.ScenarioParameters) (*graph.Node, *graph.Node) {
	relabelled := make([]value.ValueSpecification, len(n.Outputs))
	for i, o := range n.Outputs {
		relabelled[i] = o.WithProperty(value.PropertyScenarioInput, scenario)
	}
	inner := graph.NewNode(n.Function, n.Target, n.Inputs, relabelled)
	if n.Parameters != nil {
		inner = inner.WithParameters(n.Parameters)
	}
	decorator := graph.NewNode(fn, n.Target, relabelled, n.Outputs).WithParameters(params)
	return inner, decorator
}

// reachable returns the IDs of nodes upstream of the terminal outputs
// requested under a value name, including their producers
func reachable(g *graph.DependencyGraph, output string) map[string]bool {
	ids := make(map[string]bool)
	for _, t := range g.TerminalOutputs() {
		if t.Requirement.Name != output {
			continue
		}
		producer, ok := g.Producer(t.Specification)
		if !ok {
			continue
		}
		ids[producer.ID] = true
		for _, dep := range g.TransitiveDependencies(producer.ID) {
			ids[dep] = true
		}
	}
	return ids
}

// DecorateView decorates every configuration graph of a compiled view and
// returns a new compiled view sharing everything else
func DecorateView(cv *compile.CompiledView, def *Definition, registry *function.Registry) (*compile.CompiledView, error) {
	graphs := make(map[string]*graph.DependencyGraph)
	for _, name := range cv.Configurations() {
		g, ok := cv.Graph(name)
		if !ok {
			continue
		}
		decorated, err := Decorate(g, def, registry)
		if err != nil {
			return nil, err
		}
		graphs[name] = decorated
	}
	return cv.WithGraphs(graphs), nil
}
