// Package function - Function descriptors
// Functions are data: a target-type tag, an applicability predicate, and
// callbacks for declared results, further requirements and invocation.
package function

import (
	"context"
	"fmt"
	"time"

	"riskengine/core/value"
)

// Kind classifies a function for the resolver and scheduler
type Kind int

const (
	// KindStandard is an ordinary calculation
	KindStandard Kind = iota
	// KindMarketData sources a leaf value from the market data snapshot
	KindMarketData
	// KindScenario wraps another function's output
	KindScenario
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindMarketData:
		return "market-data"
	case KindScenario:
		return "scenario"
	default:
		return "unknown"
	}
}

// TargetLookup resolves target references to materialised targets
type TargetLookup interface {
	Target(ref value.TargetRef) (value.ComputationTarget, bool)
}

// CompilationContext is passed to Results and Requirements
type CompilationContext struct {
	// At is the resolution time
	At time.Time

	// Configuration is the calculation configuration being compiled
	Configuration string

	// Targets resolves references met while walking the portfolio
	Targets TargetLookup
}

// Invocation carries everything a function needs to execute one node
type Invocation struct {
	Target     value.ComputationTarget
	Inputs     []value.ComputedValue
	Outputs    []value.ValueSpecification
	Parameters any
}

// Input returns the first input value with the given name
func (inv *Invocation) Input(name string) (any, bool) {
	for _, in := range inv.Inputs {
		if in.Spec.Name == name {
			return in.Value, true
		}
	}
	return nil, false
}

// InputsNamed returns all input values with the given name
func (inv *Invocation) InputsNamed(name string) []value.ComputedValue {
	var out []value.ComputedValue
	for _, in := range inv.Inputs {
		if in.Spec.Name == name {
			out = append(out, in)
		}
	}
	return out
}

// Result assigns v to every declared output
func (inv *Invocation) Result(v any) []value.ComputedValue {
	out := make([]value.ComputedValue, len(inv.Outputs))
	for i, spec := range inv.Outputs {
		out[i] = value.ComputedValue{Spec: spec, Value: v}
	}
	return out
}

// InvokeFunc executes a function for one graph node
type InvokeFunc func(ctx context.Context, inv *Invocation) ([]value.ComputedValue, error)

// ResultsFunc declares the specifications a function can produce for a target
type ResultsFunc func(ctx *CompilationContext, target value.ComputationTarget) []value.ValueSpecification

// RequirementsFunc returns the inputs needed to produce desired on target
type RequirementsFunc func(ctx *CompilationContext, target value.ComputationTarget, desired value.ValueRequirement) ([]value.ValueRequirement, error)

// Definition is a registered function descriptor
type Definition struct {
	// ID uniquely identifies the function
	ID string

	// Type is the key scenario definitions use to select nodes; defaults to ID
	Type string

	Kind Kind

	// TargetType is the applicability tag
	TargetType value.TargetType

	// Applies optionally narrows applicability beyond the target type
	Applies func(target value.ComputationTarget) bool

	// Priority breaks ties between equally specific candidates; higher first
	Priority int

	// ValidFrom and ValidTo bound when the function may be used (zero is unbounded)
	ValidFrom time.Time
	ValidTo   time.Time

	Results      ResultsFunc
	Requirements RequirementsFunc
	Invoke       InvokeFunc

	// Wraps names the function type a scenario function decorates
	Wraps string
}

// DecorationType returns the key used to match scenario arguments
func (d *Definition) DecorationType() string {
	if d.Type != "" {
		return d.Type
	}
	return d.ID
}

// AppliesTo checks the target-type tag and the optional predicate
func (d *Definition) AppliesTo(target value.ComputationTarget) bool {
	if !d.TargetType.Matches(target.Type) {
		return false
	}
	return d.Applies == nil || d.Applies(target)
}

// ValidAt reports whether the function may be used at t
func (d *Definition) ValidAt(t time.Time) bool {
	if !d.ValidFrom.IsZero() && t.Before(d.ValidFrom) {
		return false
	}
	if !d.ValidTo.IsZero() && !t.Before(d.ValidTo) {
		return false
	}
	return true
}

// DeclaredResults returns the function's results, each attributed with its ID
func (d *Definition) DeclaredResults(ctx *CompilationContext, target value.ComputationTarget) []value.ValueSpecification {
	if d.Results == nil {
		return nil
	}
	specs := d.Results(ctx, target)
	out := make([]value.ValueSpecification, len(specs))
	for i, s := range specs {
		if s.Properties.Value(value.PropertyFunction) != d.ID {
			s = s.WithProperty(value.PropertyFunction, d.ID)
		}
		out[i] = s
	}
	return out
}

// RequirementsFor returns further requirements; nil callback means a leaf
func (d *Definition) RequirementsFor(ctx *CompilationContext, target value.ComputationTarget, desired value.ValueRequirement) ([]value.ValueRequirement, error) {
	if d.Requirements == nil {
		return nil, nil
	}
	return d.Requirements(ctx, target, desired)
}

// Validate checks the descriptor is complete
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("function id is required")
	}
	if d.TargetType == "" {
		return fmt.Errorf("function %s: target type is required", d.ID)
	}
	if d.Results == nil && d.Kind != KindScenario {
		return fmt.Errorf("function %s: results callback is required", d.ID)
	}
	if d.Kind != KindMarketData && d.Invoke == nil {
		return fmt.Errorf("function %s: invoke callback is required", d.ID)
	}
	if d.Kind == KindScenario && d.Wraps == "" {
		return fmt.Errorf("function %s: scenario functions must name the type they wrap", d.ID)
	}
	if !d.ValidFrom.IsZero() && !d.ValidTo.IsZero() && !d.ValidFrom.Before(d.ValidTo) {
		return fmt.Errorf("function %s: empty validity window", d.ID)
	}
	return nil
}

// ScenarioArgument parameterises a scenario function for one consuming function type
type ScenarioArgument struct {
	// Function is the decoration type of the wrapped function
	Function string `json:"function" yaml:"function" msgpack:"function"`

	// Output limits the argument to nodes upstream of a terminal output; empty is global
	Output string `json:"output,omitempty" yaml:"output,omitempty" msgpack:"output,omitempty"`

	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty" msgpack:"parameters,omitempty"`
}

// ScenarioParameters are the invocation parameters of a decorator node.
// Global and scoped arguments are both kept; the scenario function decides
// how to combine them.
type ScenarioParameters struct {
	Scenario string             `json:"scenario" msgpack:"scenario"`
	Global   []ScenarioArgument `json:"global,omitempty" msgpack:"global,omitempty"`
	Scoped   []ScenarioArgument `json:"scoped,omitempty" msgpack:"scoped,omitempty"`
}

// Arguments returns global then scoped arguments, in that order
func (p *ScenarioParameters) Arguments() []ScenarioArgument {
	if p == nil {
		return nil
	}
	out := make([]ScenarioArgument, 0, len(p.Global)+len(p.Scoped))
	out = append(out, p.Global...)
	return append(out, p.Scoped...)
}
