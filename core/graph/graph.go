// Package graph - Dependency graph of resolved function applications
// Nodes are immutable once inserted; edges run from an input specification
// to the single node producing it.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"riskengine/core/function"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

var (
	// ErrRecursiveRequirement is returned when a node would consume its own output
	ErrRecursiveRequirement = errors.New(errors.TypeResolution, "recursive requirement")

	// ErrMissingInput is returned when a node's input is not produced by the graph
	ErrMissingInput = errors.New(errors.TypeInvariant, "input not produced by any node")

	// ErrDuplicateProducer is returned when two nodes produce the same specification
	ErrDuplicateProducer = errors.New(errors.TypeInvariant, "specification already produced")
)

// nodeNamespace seeds content-derived node identifiers
var nodeNamespace = uuid.MustParse("8d1c6e1e-3b0a-4f57-9d8e-2f6c1b7a9e40")

// Node binds a function to a target, its input specifications and its outputs
type Node struct {
	ID       string
	Function *function.Definition
	Target   value.ComputationTarget
	Inputs   []value.ValueSpecification
	Outputs  []value.ValueSpecification

	// Parameters are passed through to the invocation (scenario arguments)
	Parameters any
}

// NewNode creates a node with a content-derived identifier
func NewNode(fn *function.Definition, target value.ComputationTarget, inputs, outputs []value.ValueSpecification) *Node {
	n := &Node{
		Function: fn,
		Target:   target,
		Inputs:   inputs,
		Outputs:  outputs,
	}
	n.ID = n.identity()
	return n
}

// WithParameters returns a copy of the node carrying invocation parameters
func (n *Node) WithParameters(params any) *Node {
	c := *n
	c.Parameters = params
	return &c
}

func (n *Node) identity() string {
	var sb strings.Builder
	sb.WriteString(n.Function.ID)
	sb.WriteString("@")
	sb.WriteString(n.Target.Ref().String())
	for _, o := range n.Outputs {
		sb.WriteString("|")
		sb.WriteString(o.Key())
	}
	for _, in := range n.Inputs {
		sb.WriteString("<")
		sb.WriteString(in.Key())
	}
	return uuid.NewSHA1(nodeNamespace, []byte(sb.String())).String()
}

// FunctionID returns the bound function identifier
func (n *Node) FunctionID() string {
	return n.Function.ID
}

// IsMarketData reports whether the node sources its outputs from market data
func (n *Node) IsMarketData() bool {
	return n.Function.Kind == function.KindMarketData
}

// Produces reports whether the node outputs spec
func (n *Node) Produces(spec value.ValueSpecification) bool {
	for _, o := range n.Outputs {
		if o.Equal(spec) {
			return true
		}
	}
	return false
}

func (n *Node) String() string {
	return fmt.Sprintf("%s on %s", n.Function.ID, n.Target)
}

// TerminalOutput maps an originally requested requirement to the specification satisfying it
type TerminalOutput struct {
	Requirement   value.ValueRequirement
	Specification value.ValueSpecification
}

// DependencyGraph is the DAG built for one calculation configuration
type DependencyGraph struct {
	configuration string

	// Nodes by ID, plus insertion order
	nodes map[string]*Node
	order []string

	// Spec key -> producing node ID
	producers map[string]string

	// Spec key -> consuming node IDs
	consumers map[string][]string

	terminals map[string]TerminalOutput
	termOrder []string

	// wavesMu guards the cached waves; compiled graphs are shared by processes
	wavesMu    sync.Mutex
	waves      [][]*Node
	wavesValid bool
}

// NewDependencyGraph creates an empty graph for a configuration
func NewDependencyGraph(configuration string) *DependencyGraph {
	return &DependencyGraph{
		configuration: configuration,
		nodes:         make(map[string]*Node),
		producers:     make(map[string]string),
		consumers:     make(map[string][]string),
		terminals:     make(map[string]TerminalOutput),
	}
}

// Configuration returns the calculation configuration name
func (g *DependencyGraph) Configuration() string {
	return g.configuration
}

// AddNode inserts a node whose inputs are all produced by existing nodes.
// Adding a node already present is a no-op. On error the graph is unchanged.
func (g *DependencyGraph) AddNode(n *Node) error {
	if existing, ok := g.nodes[n.ID]; ok && existing == n {
		return nil
	}
	if err := g.validateNode(n, ""); err != nil {
		return err
	}
	g.insert(n)
	return nil
}

func (g *DependencyGraph) validateNode(n *Node, replacing string) error {
	if _, ok := g.nodes[n.ID]; ok && n.ID != replacing {
		return fmt.Errorf("%w: node %s already present", ErrDuplicateProducer, n)
	}
	outputs := make(map[string]bool, len(n.Outputs))
	for _, o := range n.Outputs {
		key := o.Key()
		outputs[key] = true
		if p, ok := g.producers[key]; ok && p != replacing {
			return fmt.Errorf("%w: %s by %s", ErrDuplicateProducer, o, g.nodes[p])
		}
	}
	for _, in := range n.Inputs {
		key := in.Key()
		if outputs[key] {
			return fmt.Errorf("%w: %s consumes its own output %s", ErrRecursiveRequirement, n, in)
		}
		p, ok := g.producers[key]
		if !ok || p == replacing {
			return fmt.Errorf("%w: %s needed by %s", ErrMissingInput, in, n)
		}
	}
	return nil
}

func (g *DependencyGraph) insert(n *Node) {
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	for _, o := range n.Outputs {
		g.producers[o.Key()] = n.ID
	}
	for _, in := range n.Inputs {
		key := in.Key()
		g.consumers[key] = append(g.consumers[key], n.ID)
	}
	g.wavesMu.Lock()
	g.wavesValid = false
	g.wavesMu.Unlock()
}

func (g *DependencyGraph) remove(id string) {
	n := g.nodes[id]
	delete(g.nodes, id)
	for i, nid := range g.order {
		if nid == id {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	for _, o := range n.Outputs {
		if g.producers[o.Key()] == id {
			delete(g.producers, o.Key())
		}
	}
	for _, in := range n.Inputs {
		key := in.Key()
		var kept []string
		for _, c := range g.consumers[key] {
			if c != id {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(g.consumers, key)
		} else {
			g.consumers[key] = kept
		}
	}
	g.wavesMu.Lock()
	g.wavesValid = false
	g.wavesMu.Unlock()
}

// Replacement swaps the node OldID for Nodes
type Replacement struct {
	OldID string
	Nodes []*Node
}

// ReplaceProducer swaps a node for replacement nodes that together produce every
// specification the old node produced. Consumers are left untouched. Only
// intended for rewriting copies of a compiled graph.
func (g *DependencyGraph) ReplaceProducer(oldID string, replacements ...*Node) error {
	return g.ReplaceProducers([]Replacement{{OldID: oldID, Nodes: replacements}})
}

// ReplaceProducers applies a batch of replacements in order and checks the
// result once. Either the whole batch applies or the graph is left unchanged.
func (g *DependencyGraph) ReplaceProducers(batch []Replacement) error {
	if len(batch) == 0 {
		return nil
	}
	trial := g.Copy()
	for _, r := range batch {
		old, ok := trial.nodes[r.OldID]
		if !ok {
			return errors.NotFound("node", r.OldID)
		}
		trial.remove(r.OldID)
		for _, n := range r.Nodes {
			if err := trial.validateNode(n, ""); err != nil {
				return err
			}
			trial.insert(n)
		}
		for _, o := range old.Outputs {
			if _, ok := trial.producers[o.Key()]; !ok {
				return fmt.Errorf("%w: %s no longer produced after replacing %s", ErrMissingInput, o, old)
			}
		}
	}
	if _, err := trial.TopologicalOrder(); err != nil {
		return err
	}
	g.adopt(trial)
	return nil
}

// adopt takes over the structure of src, which must not be used afterwards
func (g *DependencyGraph) adopt(src *DependencyGraph) {
	g.nodes = src.nodes
	g.order = src.order
	g.producers = src.producers
	g.consumers = src.consumers
	g.terminals = src.terminals
	g.termOrder = src.termOrder

	src.wavesMu.Lock()
	waves, valid := src.waves, src.wavesValid
	src.wavesMu.Unlock()

	g.wavesMu.Lock()
	g.waves, g.wavesValid = waves, valid
	g.wavesMu.Unlock()
}

// AddTerminalOutput records the specification satisfying a requested requirement
func (g *DependencyGraph) AddTerminalOutput(req value.ValueRequirement, spec value.ValueSpecification) error {
	if _, ok := g.producers[spec.Key()]; !ok {
		return fmt.Errorf("%w: terminal output %s", ErrMissingInput, spec)
	}
	key := req.Key()
	if _, ok := g.terminals[key]; !ok {
		g.termOrder = append(g.termOrder, key)
	}
	g.terminals[key] = TerminalOutput{Requirement: req, Specification: spec}
	return nil
}

// TerminalOutputs returns requested requirements and their specifications in request order
func (g *DependencyGraph) TerminalOutputs() []TerminalOutput {
	out := make([]TerminalOutput, 0, len(g.termOrder))
	for _, k := range g.termOrder {
		out = append(out, g.terminals[k])
	}
	return out
}

// TerminalSpecification returns the specification satisfying a requested requirement
func (g *DependencyGraph) TerminalSpecification(req value.ValueRequirement) (value.ValueSpecification, bool) {
	t, ok := g.terminals[req.Key()]
	return t.Specification, ok
}

// Node returns a node by ID
func (g *DependencyGraph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order
func (g *DependencyGraph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id]
	}
	return out
}

// Producer returns the node producing spec
func (g *DependencyGraph) Producer(spec value.ValueSpecification) (*Node, bool) {
	id, ok := g.producers[spec.Key()]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Specifications returns every produced specification sorted by key
func (g *DependencyGraph) Specifications() []value.ValueSpecification {
	var out []value.ValueSpecification
	for _, n := range g.Nodes() {
		out = append(out, n.Outputs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// FindSatisfying returns the first produced specification that strictly satisfies req,
// in insertion order
func (g *DependencyGraph) FindSatisfying(req value.ValueRequirement) (value.ValueSpecification, bool) {
	for _, id := range g.order {
		for _, o := range g.nodes[id].Outputs {
			if req.IsSatisfiedBy(o) {
				return o, true
			}
		}
	}
	return value.ValueSpecification{}, false
}

// Dependencies returns the IDs of nodes producing n's inputs
func (g *DependencyGraph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, in := range n.Inputs {
		p, ok := g.producers[in.Key()]
		if ok && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Dependents returns the IDs of nodes consuming any of n's outputs
func (g *DependencyGraph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, o := range n.Outputs {
		for _, c := range g.consumers[o.Key()] {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// TransitiveDependencies returns all upstream node IDs (recursive)
func (g *DependencyGraph) TransitiveDependencies(id string) []string {
	visited := make(map[string]bool)
	result := []string{}
	g.collect(id, g.Dependencies, visited, &result)
	return result
}

// TransitiveDependents returns all downstream node IDs (recursive)
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	visited := make(map[string]bool)
	result := []string{}
	g.collect(id, g.Dependents, visited, &result)
	return result
}

func (g *DependencyGraph) collect(id string, next func(string) []string, visited map[string]bool, result *[]string) {
	for _, dep := range next(id) {
		if !visited[dep] {
			visited[dep] = true
			*result = append(*result, dep)
			g.collect(dep, next, visited, result)
		}
	}
}

// Subgraph returns the nodes bound to the given targets together with everything
// they depend on. Terminal outputs are kept when their producer survives.
func (g *DependencyGraph) Subgraph(targets []value.TargetRef) *DependencyGraph {
	wanted := make(map[value.TargetRef]bool, len(targets))
	for _, t := range targets {
		wanted[t] = true
	}
	keep := make(map[string]bool)
	for _, id := range g.order {
		if wanted[g.nodes[id].Target.Ref()] {
			keep[id] = true
			for _, dep := range g.TransitiveDependencies(id) {
				keep[dep] = true
			}
		}
	}

	sub := NewDependencyGraph(g.configuration)
	for _, id := range g.order {
		if keep[id] {
			sub.insert(g.nodes[id])
		}
	}
	for _, k := range g.termOrder {
		t := g.terminals[k]
		if _, ok := sub.producers[t.Specification.Key()]; ok {
			sub.terminals[k] = t
			sub.termOrder = append(sub.termOrder, k)
		}
	}
	return sub
}

// Copy returns an independent graph sharing the immutable nodes
func (g *DependencyGraph) Copy() *DependencyGraph {
	c := &DependencyGraph{
		configuration: g.configuration,
		nodes:         make(map[string]*Node, len(g.nodes)),
		order:         append([]string(nil), g.order...),
		producers:     make(map[string]string, len(g.producers)),
		consumers:     make(map[string][]string, len(g.consumers)),
		terminals:     make(map[string]TerminalOutput, len(g.terminals)),
		termOrder:     append([]string(nil), g.termOrder...),
	}
	for k, v := range g.nodes {
		c.nodes[k] = v
	}
	for k, v := range g.producers {
		c.producers[k] = v
	}
	for k, v := range g.consumers {
		c.consumers[k] = append([]string(nil), v...)
	}
	for k, v := range g.terminals {
		c.terminals[k] = v
	}
	return c
}

// Size returns the number of nodes
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// EdgeCount returns the number of input edges
func (g *DependencyGraph) EdgeCount() int {
	count := 0
	for _, n := range g.nodes {
		count += len(n.Inputs)
	}
	return count
}
