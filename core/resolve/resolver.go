// Package resolve - Requirement resolution into a dependency graph
// A requirement is matched to the first viable candidate function; its inputs
// are resolved recursively, bottom-up, and failures are kept as a tree.
package resolve

import (
	stderrors "errors"

	"go.uber.org/zap"

	"riskengine/core/function"
	"riskengine/core/graph"
	"riskengine/core/marketdata"
	"riskengine/core/value"
	"riskengine/internal/logging"
)

// Resolver builds one dependency graph. It is not safe for concurrent use.
type Resolver struct {
	registry     *function.Registry
	availability marketdata.Availability
	graph        *graph.DependencyGraph
	ctx          *function.CompilationContext
	tracker      *Tracker
	logger       *zap.Logger
	intern       func(*graph.Node) *graph.Node

	resolved   map[string]value.ValueSpecification
	failed     map[string]*Failure
	inProgress map[string]bool
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithTracker shares a failure tracker
func WithTracker(t *Tracker) Option {
	return func(r *Resolver) { r.tracker = t }
}

// WithInterner lets equal nodes be shared between graphs
func WithInterner(intern func(*graph.Node) *graph.Node) Option {
	return func(r *Resolver) { r.intern = intern }
}

// New creates a resolver that inserts into g
func New(registry *function.Registry, availability marketdata.Availability, g *graph.DependencyGraph, ctx *function.CompilationContext, opts ...Option) *Resolver {
	r := &Resolver{
		registry:     registry,
		availability: availability,
		graph:        g,
		ctx:          ctx,
		resolved:     make(map[string]value.ValueSpecification),
		failed:       make(map[string]*Failure),
		inProgress:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracker == nil {
		r.tracker = NewTracker()
	}
	r.logger = logging.OrNamed(r.logger, "resolver")
	return r
}

// Graph returns the graph being built
func (r *Resolver) Graph() *graph.DependencyGraph {
	return r.graph
}

// Tracker returns the failure tracker
func (r *Resolver) Tracker() *Tracker {
	return r.tracker
}

// ResolveTerminal resolves a requested output and records it as a terminal
// output of the graph, or as unresolved in the tracker
func (r *Resolver) ResolveTerminal(req value.ValueRequirement) (value.ValueSpecification, *Failure) {
	spec, f := r.Resolve(req)
	if f != nil {
		r.tracker.RecordUnresolved(f)
		r.logger.Debug("requested output unresolved",
			zap.String("configuration", r.ctx.Configuration),
			zap.String("requirement", req.String()),
			zap.String("reason", string(f.Reason)))
		return value.ValueSpecification{}, f
	}
	if err := r.graph.AddTerminalOutput(req, spec); err != nil {
		f := &Failure{Requirement: req, Reason: ReasonCouldNotSatisfy, Message: err.Error()}
		r.tracker.RecordUnresolved(f)
		return value.ValueSpecification{}, f
	}
	return spec, nil
}

// Resolve returns the specification satisfying req, inserting any nodes needed
func (r *Resolver) Resolve(req value.ValueRequirement) (value.ValueSpecification, *Failure) {
	key := req.Key()
	if spec, ok := r.resolved[key]; ok {
		return spec, nil
	}
	if f, ok := r.failed[key]; ok {
		return value.ValueSpecification{}, f
	}
	if r.inProgress[key] {
		f := &Failure{Requirement: req, Reason: ReasonRecursiveRequirement, Message: "requirement is its own ancestor"}
		r.tracker.Record(f)
		return value.ValueSpecification{}, f
	}

	// An existing output that strictly satisfies the requirement is shared
	if spec, ok := r.graph.FindSatisfying(req); ok {
		r.resolved[key] = spec
		return spec, nil
	}

	target, ok := r.target(req.Target)
	if !ok {
		return r.fail(&Failure{Requirement: req, Reason: ReasonUnknownTarget, Message: "target not found"})
	}

	candidates := r.registry.Candidates(target, r.ctx.At)
	if len(candidates) == 0 {
		return r.fail(&Failure{Requirement: req, Reason: ReasonNoFunctions})
	}

	r.inProgress[key] = true
	defer delete(r.inProgress, key)

	var children []*Failure
	for _, def := range candidates {
		spec, f := r.attempt(def, target, req)
		if f == nil {
			r.resolved[key] = spec
			return spec, nil
		}
		r.tracker.Record(f)
		children = append(children, f)
	}

	return r.fail(&Failure{Requirement: req, Reason: ReasonCouldNotSatisfy, Children: children})
}

func (r *Resolver) fail(f *Failure) (value.ValueSpecification, *Failure) {
	r.tracker.Record(f)
	// Recursion failures depend on the call stack, so they are not memoised
	if !f.Contains(ReasonRecursiveRequirement) {
		r.failed[f.Requirement.Key()] = f
	}
	return value.ValueSpecification{}, f
}

// attempt tries a single candidate function
func (r *Resolver) attempt(def *function.Definition, target value.ComputationTarget, req value.ValueRequirement) (value.ValueSpecification, *Failure) {
	result, ok := r.matchResult(def, target, req)
	if !ok {
		return value.ValueSpecification{}, &Failure{
			Requirement: req,
			Reason:      ReasonCouldNotSatisfy,
			Function:    def.ID,
			Message:     "declared results do not satisfy constraints",
		}
	}

	if def.Kind == function.KindMarketData {
		if r.availability == nil || !r.availability.IsAvailable(req) {
			return value.ValueSpecification{}, &Failure{Requirement: req, Reason: ReasonMarketDataMissing, Function: def.ID}
		}
	}

	further, err := def.RequirementsFor(r.ctx, target, req)
	if err != nil {
		r.tracker.RecordException(err)
		return value.ValueSpecification{}, &Failure{Requirement: req, Reason: ReasonCouldNotSatisfy, Function: def.ID, Message: err.Error()}
	}

	var inputs []value.ValueSpecification
	var children []*Failure
	seen := make(map[string]bool)
	for _, in := range further {
		spec, f := r.Resolve(in)
		if f != nil {
			children = append(children, f)
			continue
		}
		if !seen[spec.Key()] {
			seen[spec.Key()] = true
			inputs = append(inputs, spec)
		}
	}
	// Inputs that did resolve stay in the graph for other consumers and diagnostics
	if len(children) > 0 {
		return value.ValueSpecification{}, &Failure{Requirement: req, Reason: ReasonUnsatisfiedDependency, Function: def.ID, Children: children}
	}

	node := graph.NewNode(def, target, inputs, []value.ValueSpecification{result})
	if r.intern != nil {
		node = r.intern(node)
	}
	if err := r.graph.AddNode(node); err != nil {
		reason := ReasonCouldNotSatisfy
		if stderrors.Is(err, graph.ErrRecursiveRequirement) {
			reason = ReasonRecursiveRequirement
		}
		return value.ValueSpecification{}, &Failure{Requirement: req, Reason: reason, Function: def.ID, Message: err.Error()}
	}
	return result, nil
}

// matchResult picks the first declared result that can be composed with req
func (r *Resolver) matchResult(def *function.Definition, target value.ComputationTarget, req value.ValueRequirement) (value.ValueSpecification, bool) {
	for _, declared := range def.DeclaredResults(r.ctx, target) {
		if !req.IsSatisfiableBy(declared) {
			continue
		}
		if composed, ok := declared.Compose(req); ok {
			return composed, true
		}
	}
	return value.ValueSpecification{}, false
}

// target materialises a reference, synthesising currency and primitive targets
func (r *Resolver) target(ref value.TargetRef) (value.ComputationTarget, bool) {
	if r.ctx.Targets != nil {
		if t, ok := r.ctx.Targets.Target(ref); ok {
			return t, true
		}
	}
	switch ref.Type {
	case value.TargetCurrency, value.TargetPrimitive:
		return value.ComputationTarget{Type: ref.Type, ID: ref.ID, Name: ref.ID.Value, Value: ref.ID.Value}, true
	}
	return value.ComputationTarget{}, false
}
