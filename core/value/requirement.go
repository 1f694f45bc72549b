package value

import (
	"fmt"
	"reflect"

	"github.com/shopspring/decimal"
)

// ValueRequirement is a named, constrained demand for a value about a target.
// Two requirements are equal iff name, target and constraints match.
type ValueRequirement struct {
	Name        string
	Target      TargetRef
	Constraints ValueProperties
}

// NewRequirement creates a requirement
func NewRequirement(name string, target TargetRef, constraints ValueProperties) ValueRequirement {
	return ValueRequirement{Name: name, Target: target, Constraints: constraints}
}

// Key is the canonical hash key of the requirement
func (r ValueRequirement) Key() string {
	return r.Name + "|" + r.Target.String() + "|" + r.Constraints.String()
}

// Equal compares all three fields
func (r ValueRequirement) Equal(other ValueRequirement) bool {
	return r.Key() == other.Key()
}

func (r ValueRequirement) String() string {
	if r.Constraints.IsEmpty() {
		return fmt.Sprintf("%s on %s", r.Name, r.Target)
	}
	return fmt.Sprintf("%s%s on %s", r.Name, r.Constraints, r.Target)
}

// IsSatisfiedBy reports whether a produced specification meets this requirement
func (r ValueRequirement) IsSatisfiedBy(spec ValueSpecification) bool {
	return r.Name == spec.Name && r.Target == spec.Target && r.Constraints.IsSatisfiedBy(spec.Properties)
}

// IsSatisfiableBy reports whether a declared result could meet this requirement after composition
func (r ValueRequirement) IsSatisfiableBy(spec ValueSpecification) bool {
	return r.Name == spec.Name && r.Target == spec.Target && r.Constraints.IsSatisfiableBy(spec.Properties)
}

// WithDefaults adds default constraints for properties the requirement leaves open
func (r ValueRequirement) WithDefaults(defaults ValueProperties) ValueRequirement {
	r.Constraints = r.Constraints.WithDefaults(defaults)
	return r
}

// ValueSpecification is a named, concretely-propertied, function-attributed
// description of a produced value
type ValueSpecification struct {
	Name       string
	Target     TargetRef
	Properties ValueProperties
}

// NewSpecification creates a specification
func NewSpecification(name string, target TargetRef, props ValueProperties) ValueSpecification {
	return ValueSpecification{Name: name, Target: target, Properties: props}
}

// Key is the canonical hash key of the specification
func (s ValueSpecification) Key() string {
	return s.Name + "|" + s.Target.String() + "|" + s.Properties.String()
}

// Equal compares all three fields
func (s ValueSpecification) Equal(other ValueSpecification) bool {
	return s.Key() == other.Key()
}

func (s ValueSpecification) String() string {
	return fmt.Sprintf("%s%s on %s", s.Name, s.Properties, s.Target)
}

// FunctionID returns the producing function identifier
func (s ValueSpecification) FunctionID() string {
	return s.Properties.Value(PropertyFunction)
}

// Compose narrows the specification by a requirement's constraints
func (s ValueSpecification) Compose(req ValueRequirement) (ValueSpecification, bool) {
	props, ok := s.Properties.Compose(req.Constraints)
	if !ok {
		return ValueSpecification{}, false
	}
	s.Properties = props
	return s, true
}

// WithProperty returns a copy with a property replaced
func (s ValueSpecification) WithProperty(name string, values ...string) ValueSpecification {
	s.Properties = s.Properties.Copy().Set(name, values...).Build()
	return s
}

// WithoutProperty returns a copy with a property removed
func (s ValueSpecification) WithoutProperty(name string) ValueSpecification {
	s.Properties = s.Properties.Copy().Without(name).Build()
	return s
}

// ComputedValue pairs a specification with its computed value
type ComputedValue struct {
	Spec  ValueSpecification
	Value any
}

// Equal compares computed values, treating decimals numerically
func Equal(a, b any) bool {
	if da, ok := a.(decimal.Decimal); ok {
		if db, ok := b.(decimal.Decimal); ok {
			return da.Equal(db)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
