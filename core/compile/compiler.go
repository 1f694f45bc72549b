package compile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"riskengine/core/function"
	"riskengine/core/graph"
	"riskengine/core/marketdata"
	"riskengine/core/resolve"
	"riskengine/core/value"
	"riskengine/internal/errors"
	"riskengine/internal/logging"
	"riskengine/internal/metrics"
)

// ErrUnresolved is wrapped by CompilationError
var ErrUnresolved = errors.New(errors.TypeResolution, "required outputs could not be resolved")

// CompilationError lists the unresolved required outputs per configuration.
// The compiled view returned alongside it is still usable for diagnostics.
type CompilationError struct {
	View     string
	Failures map[string][]*resolve.Failure
}

func (e *CompilationError) Error() string {
	var parts []string
	for _, name := range e.configurations() {
		parts = append(parts, fmt.Sprintf("%s: %d unresolved", name, len(e.Failures[name])))
	}
	return fmt.Sprintf("view %s: %s", e.View, strings.Join(parts, ", "))
}

// Unwrap exposes the resolution error type
func (e *CompilationError) Unwrap() error {
	return ErrUnresolved
}

func (e *CompilationError) configurations() []string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompiledView holds one dependency graph per configuration together with
// the target hierarchy and the window in which the compilation is valid
type CompiledView struct {
	ID              string
	View            *ViewDefinition
	Portfolio       *Portfolio
	Targets         *Targets
	CompiledAt      time.Time
	ValidFrom       time.Time
	ValidTo         time.Time
	RegistryVersion uint64

	graphs map[string]*graph.DependencyGraph
	traces map[string]*BuildTrace
}

// Configurations returns configuration names in definition order
func (cv *CompiledView) Configurations() []string {
	return cv.View.ConfigurationNames()
}

// Graph returns the graph of a configuration
func (cv *CompiledView) Graph(configuration string) (*graph.DependencyGraph, bool) {
	g, ok := cv.graphs[configuration]
	return g, ok
}

// Trace returns the build trace of a configuration
func (cv *CompiledView) Trace(configuration string) (*BuildTrace, bool) {
	t, ok := cv.traces[configuration]
	return t, ok
}

// IsValidAt reports whether the compilation may be used at t
func (cv *CompiledView) IsValidAt(t time.Time) bool {
	if t.Before(cv.ValidFrom) {
		return false
	}
	return cv.ValidTo.IsZero() || t.Before(cv.ValidTo)
}

// MarketDataSpecs returns the outputs of market data nodes across all configurations
func (cv *CompiledView) MarketDataSpecs() []value.ValueSpecification {
	seen := make(map[string]bool)
	var out []value.ValueSpecification
	for _, name := range cv.Configurations() {
		for _, n := range cv.graphs[name].Nodes() {
			if !n.IsMarketData() {
				continue
			}
			for _, o := range n.Outputs {
				if !seen[o.Key()] {
					seen[o.Key()] = true
					out = append(out, o)
				}
			}
		}
	}
	return out
}

// Unresolved returns every unresolved requested output per configuration
func (cv *CompiledView) Unresolved() map[string][]*resolve.Failure {
	out := make(map[string][]*resolve.Failure)
	for name, t := range cv.traces {
		if len(t.Unresolved) > 0 {
			out[name] = t.Unresolved
		}
	}
	return out
}

// WithGraphs returns a copy of the compiled view using replacement graphs
func (cv *CompiledView) WithGraphs(graphs map[string]*graph.DependencyGraph) *CompiledView {
	c := *cv
	c.graphs = make(map[string]*graph.DependencyGraph, len(cv.graphs))
	for name, g := range cv.graphs {
		c.graphs[name] = g
	}
	for name, g := range graphs {
		c.graphs[name] = g
	}
	return &c
}

// Compiler builds compiled views
type Compiler struct {
	registry     *function.Registry
	availability marketdata.Availability
	logger       *zap.Logger
	maxValidity  time.Duration
	requireAll   bool
}

// Option configures a Compiler
type Option func(*Compiler)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// WithMaxValidity caps how long a compilation stays valid; zero is unbounded
func WithMaxValidity(d time.Duration) Option {
	return func(c *Compiler) { c.maxValidity = d }
}

// WithRequireAll treats every requested output as required
func WithRequireAll(on bool) Option {
	return func(c *Compiler) { c.requireAll = on }
}

// NewCompiler creates a compiler
func NewCompiler(registry *function.Registry, availability marketdata.Availability, opts ...Option) *Compiler {
	c := &Compiler{registry: registry, availability: availability}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNamed(c.logger, "compiler")
	return c
}

// Registry returns the function registry
func (c *Compiler) Registry() *function.Registry {
	return c.registry
}

// Compile resolves every configuration of view against portfolio at time at.
// When required outputs are unresolved it returns the compiled view together
// with a *CompilationError.
func (c *Compiler) Compile(ctx context.Context, portfolio *Portfolio, view *ViewDefinition, at time.Time) (*CompiledView, error) {
	if err := view.Validate(); err != nil {
		metrics.CompilationsTotal.WithLabelValues("invalid").Inc()
		return nil, errors.Wrap(errors.TypeInput, "invalid view definition", err)
	}

	start := time.Now()
	targets := Walk(portfolio)
	cv := &CompiledView{
		ID:              uuid.NewString(),
		View:            view,
		Portfolio:       portfolio,
		Targets:         targets,
		CompiledAt:      start,
		ValidFrom:       at,
		RegistryVersion: c.registry.Version(),
		graphs:          make(map[string]*graph.DependencyGraph),
		traces:          make(map[string]*BuildTrace),
	}

	// Equal nodes are shared between configurations
	interned := make(map[string]*graph.Node)
	intern := func(n *graph.Node) *graph.Node {
		if existing, ok := interned[n.ID]; ok {
			return existing
		}
		interned[n.ID] = n
		return n
	}

	unresolved := make(map[string][]*resolve.Failure)
	for i := range view.Configurations {
		cfg := &view.Configurations[i]
		if err := ctx.Err(); err != nil {
			metrics.CompilationsTotal.WithLabelValues("cancelled").Inc()
			return nil, errors.Wrap(errors.TypeCancelled, "compilation cancelled", err)
		}

		g := graph.NewDependencyGraph(cfg.Name)
		tracker := resolve.NewTracker()
		cctx := &function.CompilationContext{At: at, Configuration: cfg.Name, Targets: targets}
		r := resolve.New(c.registry, c.availability, g, cctx,
			resolve.WithTracker(tracker),
			resolve.WithLogger(c.logger),
			resolve.WithInterner(intern))

		requests := cfg.requirements(targets)
		for _, rq := range bySpecificity(requests) {
			r.Resolve(rq.req)
		}
		for _, rq := range requests {
			if _, f := r.ResolveTerminal(rq.req); f != nil && (rq.required || c.requireAll) {
				unresolved[cfg.Name] = append(unresolved[cfg.Name], f)
			}
		}

		if err := graph.CheckInvariants(g); err != nil {
			metrics.CompilationsTotal.WithLabelValues("invariant").Inc()
			return nil, err
		}
		cv.graphs[cfg.Name] = g
		cv.traces[cfg.Name] = newBuildTrace(g, tracker)

		c.logger.Debug("configuration compiled",
			zap.String("view", view.Name),
			zap.String("configuration", cfg.Name),
			zap.Int("requested", len(requests)),
			zap.Int("nodes", g.Size()),
			zap.Int("unresolved", len(tracker.Unresolved())))
	}

	cv.ValidTo = c.validTo(at)

	c.logger.Info("view compiled",
		zap.String("view", view.Name),
		zap.String("compilation_id", cv.ID),
		zap.Int("targets", targets.Len()),
		zap.Duration("duration", time.Since(start)))

	if len(unresolved) > 0 {
		metrics.CompilationsTotal.WithLabelValues("unresolved").Inc()
		return cv, &CompilationError{View: view.Name, Failures: unresolved}
	}
	metrics.CompilationsTotal.WithLabelValues("ok").Inc()
	return cv, nil
}

// validTo is the earlier of the registry's next validity boundary and the validity cap
func (c *Compiler) validTo(at time.Time) time.Time {
	next := c.registry.ValidUntil(at)
	if c.maxValidity > 0 {
		capped := at.Add(c.maxValidity)
		if next.IsZero() || capped.Before(next) {
			next = capped
		}
	}
	return next
}

// bySpecificity orders requests so concrete constraints resolve before
// wildcards, letting wildcard requests share nodes built for concrete ones
func bySpecificity(requests []requested) []requested {
	out := append([]requested(nil), requests...)
	sort.SliceStable(out, func(i, j int) bool {
		return wildcards(out[i].req.Constraints) < wildcards(out[j].req.Constraints)
	})
	return out
}

func wildcards(p value.ValueProperties) int {
	n := 0
	for _, name := range p.Names() {
		if p.IsWildcard(name) {
			n++
		}
	}
	return n
}
