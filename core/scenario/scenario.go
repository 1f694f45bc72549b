// Package scenario - Scenario definitions and graph decoration
// A scenario wraps the outputs of selected function types with scenario
// functions. Decoration rewrites a copy of a compiled graph; the compiled
// graph itself is never modified.
package scenario

import (
	"fmt"
	"sort"

	"riskengine/core/function"
)

// Definition holds global arguments keyed by consuming function type and
// scoped arguments keyed by (output name, consuming function type). Both
// are ordered lists; lookups return every matching argument in order.
type Definition struct {
	Name   string                      `json:"name" yaml:"name"`
	Global []function.ScenarioArgument `json:"global,omitempty" yaml:"global,omitempty"`
	Scoped []function.ScenarioArgument `json:"scoped,omitempty" yaml:"scoped,omitempty"`
}

// New creates an empty scenario definition
func New(name string) *Definition {
	return &Definition{Name: name}
}

// Add appends an argument; arguments naming an output are scoped
func (d *Definition) Add(arg function.ScenarioArgument) *Definition {
	if arg.Output != "" {
		d.Scoped = append(d.Scoped, arg)
	} else {
		d.Global = append(d.Global, arg)
	}
	return d
}

// GlobalFor returns the global arguments for a function type
func (d *Definition) GlobalFor(fnType string) []function.ScenarioArgument {
	var out []function.ScenarioArgument
	for _, a := range d.Global {
		if a.Function == fnType {
			out = append(out, a)
		}
	}
	return out
}

// ScopedFor returns the arguments scoped to an output for a function type
func (d *Definition) ScopedFor(output, fnType string) []function.ScenarioArgument {
	var out []function.ScenarioArgument
	for _, a := range d.Scoped {
		if a.Output == output && a.Function == fnType {
			out = append(out, a)
		}
	}
	return out
}

// Outputs returns the distinct output names scoped arguments refer to, sorted
func (d *Definition) Outputs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range d.Scoped {
		if !seen[a.Output] {
			seen[a.Output] = true
			out = append(out, a.Output)
		}
	}
	sort.Strings(out)
	return out
}

// FunctionTypes returns every function type named by an argument, sorted
func (d *Definition) FunctionTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]function.ScenarioArgument{d.Global, d.Scoped} {
		for _, a := range list {
			if !seen[a.Function] {
				seen[a.Function] = true
				out = append(out, a.Function)
			}
		}
	}
	sort.Strings(out)
	return out
}

// IsEmpty reports whether the definition has no arguments
func (d *Definition) IsEmpty() bool {
	return len(d.Global) == 0 && len(d.Scoped) == 0
}

// Validate checks every argument names a function type
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	for _, list := range [][]function.ScenarioArgument{d.Global, d.Scoped} {
		for i, a := range list {
			if a.Function == "" {
				return fmt.Errorf("scenario %s: argument %d has no function type", d.Name, i)
			}
		}
	}
	for _, a := range d.Global {
		if a.Output != "" {
			return fmt.Errorf("scenario %s: global argument for %s names output %s", d.Name, a.Function, a.Output)
		}
	}
	for _, a := range d.Scoped {
		if a.Output == "" {
			return fmt.Errorf("scenario %s: scoped argument for %s has no output", d.Name, a.Function)
		}
	}
	return nil
}

// Merge concatenates the arguments of a and b, a's first. Neither input is modified.
func Merge(a, b *Definition) *Definition {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	name := a.Name
	if b.Name != "" && b.Name != a.Name {
		name = a.Name + "+" + b.Name
	}
	m := &Definition{Name: name}
	m.Global = append(append(m.Global, a.Global...), b.Global...)
	m.Scoped = append(append(m.Scoped, a.Scoped...), b.Scoped...)
	return m
}
