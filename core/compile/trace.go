package compile

import (
	"riskengine/core/graph"
	"riskengine/core/resolve"
)

// BuildTrace exposes how a configuration's graph was built, for read-only
// inspection tooling
type BuildTrace struct {
	Configuration string
	Graph         *graph.DependencyGraph
	Terminals     []graph.TerminalOutput
	Unresolved    []*resolve.Failure
	Failures      []*resolve.Failure
	Exceptions    []resolve.ExceptionCount
}

func newBuildTrace(g *graph.DependencyGraph, tracker *resolve.Tracker) *BuildTrace {
	return &BuildTrace{
		Configuration: g.Configuration(),
		Graph:         g,
		Terminals:     g.TerminalOutputs(),
		Unresolved:    tracker.Unresolved(),
		Failures:      tracker.All(),
		Exceptions:    tracker.TopExceptions(),
	}
}

// NodeReport describes one graph node
type NodeReport struct {
	ID       string   `json:"id"`
	Function string   `json:"function"`
	Target   string   `json:"target"`
	Inputs   []string `json:"inputs,omitempty"`
	Outputs  []string `json:"outputs"`
}

// TerminalReport maps a requested requirement to its specification
type TerminalReport struct {
	Requirement   string `json:"requirement"`
	Specification string `json:"specification"`
}

// TraceReport is the serialisable form of a build trace
type TraceReport struct {
	Configuration string                   `json:"configuration"`
	Nodes         []NodeReport             `json:"nodes"`
	Waves         [][]string               `json:"waves"`
	Terminals     []TerminalReport         `json:"terminals"`
	Unresolved    []*resolve.Tree          `json:"unresolved,omitempty"`
	Exceptions    []resolve.ExceptionCount `json:"exceptions,omitempty"`
}

// Report renders the trace for output
func (t *BuildTrace) Report() TraceReport {
	r := TraceReport{
		Configuration: t.Configuration,
		Exceptions:    t.Exceptions,
	}
	for _, n := range t.Graph.Nodes() {
		nr := NodeReport{ID: n.ID, Function: n.FunctionID(), Target: n.Target.String()}
		for _, in := range n.Inputs {
			nr.Inputs = append(nr.Inputs, in.String())
		}
		for _, o := range n.Outputs {
			nr.Outputs = append(nr.Outputs, o.String())
		}
		r.Nodes = append(r.Nodes, nr)
	}
	if waves, err := t.Graph.TopologicalOrder(); err == nil {
		for _, wave := range waves {
			ids := make([]string, len(wave))
			for i, n := range wave {
				ids[i] = n.ID
			}
			r.Waves = append(r.Waves, ids)
		}
	}
	for _, term := range t.Terminals {
		r.Terminals = append(r.Terminals, TerminalReport{
			Requirement:   term.Requirement.String(),
			Specification: term.Specification.String(),
		})
	}
	for _, f := range t.Unresolved {
		r.Unresolved = append(r.Unresolved, f.Tree())
	}
	return r
}
