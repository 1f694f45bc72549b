package graph

import (
	"fmt"

	"riskengine/internal/errors"
)

// InvariantViolation represents a detected invariant violation
type InvariantViolation struct {
	Invariant string
	Location  string
	Details   string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("INVARIANT VIOLATED [%s] at %s: %s", v.Invariant, v.Location, v.Details)
}

// InvariantChecker verifies structural invariants of a dependency graph
type InvariantChecker struct {
	violations []InvariantViolation
	strictMode bool
}

// NewInvariantChecker creates a checker. In strict mode the first violation panics.
func NewInvariantChecker(strictMode bool) *InvariantChecker {
	return &InvariantChecker{
		violations: []InvariantViolation{},
		strictMode: strictMode,
	}
}

// AssertInputsProduced asserts every consumed specification has exactly one producer
func (c *InvariantChecker) AssertInputsProduced(g *DependencyGraph) {
	producedBy := make(map[string]int)
	for _, n := range g.nodes {
		for _, o := range n.Outputs {
			producedBy[o.Key()]++
		}
	}
	for _, id := range g.order {
		n := g.nodes[id]
		for _, in := range n.Inputs {
			switch producedBy[in.Key()] {
			case 1:
			case 0:
				c.fail("INPUT_PRODUCED", n.String(), fmt.Sprintf("input %s has no producer", in))
			default:
				c.fail("SINGLE_PRODUCER", n.String(), fmt.Sprintf("input %s has %d producers", in, producedBy[in.Key()]))
			}
		}
	}
}

// AssertAcyclic asserts a topological order exists
func (c *InvariantChecker) AssertAcyclic(g *DependencyGraph) {
	if _, err := g.TopologicalOrder(); err != nil {
		c.fail("ACYCLIC", g.configuration, err.Error())
	}
}

// AssertTerminalsProduced asserts every terminal output is produced by a node
func (c *InvariantChecker) AssertTerminalsProduced(g *DependencyGraph) {
	for _, t := range g.TerminalOutputs() {
		if _, ok := g.producers[t.Specification.Key()]; !ok {
			c.fail("TERMINAL_PRODUCED", t.Requirement.String(), fmt.Sprintf("terminal %s has no producer", t.Specification))
		}
		if !t.Requirement.IsSatisfiedBy(t.Specification) {
			c.fail("TERMINAL_SATISFIES", t.Requirement.String(), fmt.Sprintf("terminal %s does not satisfy its requirement", t.Specification))
		}
	}
}

func (c *InvariantChecker) fail(invariant, location, details string) {
	v := InvariantViolation{
		Invariant: invariant,
		Location:  location,
		Details:   details,
	}
	c.violations = append(c.violations, v)

	if c.strictMode {
		panic(v.Error())
	}
}

// Violations returns all recorded violations
func (c *InvariantChecker) Violations() []InvariantViolation {
	return c.violations
}

// HasViolations returns true if any violations occurred
func (c *InvariantChecker) HasViolations() bool {
	return len(c.violations) > 0
}

// CheckInvariants runs every structural check and returns the first violation
func CheckInvariants(g *DependencyGraph) error {
	c := NewInvariantChecker(false)
	c.AssertAcyclic(g)
	c.AssertInputsProduced(g)
	c.AssertTerminalsProduced(g)
	if !c.HasViolations() {
		return nil
	}
	v := c.violations[0]
	return errors.Wrap(errors.TypeInvariant, fmt.Sprintf("graph %s has %d invariant violations", g.configuration, len(c.violations)), &v)
}
