package value

import (
	"sort"
	"strings"
)

// Wildcard is the property value meaning "any value"
const Wildcard = "*"

// Well-known property names
const (
	// PropertyFunction records which function produced a specification
	PropertyFunction = "Function"

	// PropertyCurrency is the currency a value is expressed in
	PropertyCurrency = "Currency"

	// PropertyScenarioInput marks the undecorated output wrapped by a scenario node
	PropertyScenarioInput = "ScenarioInput"
)

type constraint struct {
	values   []string
	wildcard bool
	absent   bool
}

func (c constraint) render() string {
	switch {
	case c.absent:
		return "!"
	case c.wildcard:
		return Wildcard
	default:
		return "[" + strings.Join(c.values, ",") + "]"
	}
}

// ValueProperties is an immutable mapping from property name to a value set,
// a wildcard, or an absence marker. The zero value is the empty set.
type ValueProperties struct {
	entries map[string]constraint
	key     string
}

// Empty returns the empty property set
func Empty() ValueProperties {
	return ValueProperties{}
}

// Builder constructs ValueProperties
type Builder struct {
	entries map[string]constraint
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]constraint)}
}

// With adds values for a property. No values, or "*", means wildcard.
func (b *Builder) With(name string, values ...string) *Builder {
	c := b.entries[name]
	c.absent = false
	if len(values) == 0 {
		c.wildcard = true
		c.values = nil
		b.entries[name] = c
		return b
	}
	for _, v := range values {
		if v == Wildcard {
			c.wildcard = true
		}
	}
	if c.wildcard {
		c.values = nil
	} else {
		c.values = mergeSorted(c.values, values)
	}
	b.entries[name] = c
	return b
}

// WithAny marks a property as wildcard
func (b *Builder) WithAny(name string) *Builder {
	return b.With(name)
}

// WithAbsent requires the property to be absent
func (b *Builder) WithAbsent(name string) *Builder {
	b.entries[name] = constraint{absent: true}
	return b
}

// Without removes a property entirely
func (b *Builder) Without(name string) *Builder {
	delete(b.entries, name)
	return b
}

// Set replaces the values of a property
func (b *Builder) Set(name string, values ...string) *Builder {
	delete(b.entries, name)
	return b.With(name, values...)
}

// Build produces the immutable set
func (b *Builder) Build() ValueProperties {
	entries := make(map[string]constraint, len(b.entries))
	for k, v := range b.entries {
		entries[k] = v
	}
	p := ValueProperties{entries: entries}
	p.key = p.render()
	return p
}

// Props is shorthand for a property set of single values
func Props(kv ...string) ValueProperties {
	b := NewBuilder()
	for i := 0; i+1 < len(kv); i += 2 {
		b.With(kv[i], kv[i+1])
	}
	return b.Build()
}

// Copy returns a builder seeded with these properties
func (p ValueProperties) Copy() *Builder {
	b := NewBuilder()
	for k, v := range p.entries {
		v.values = append([]string(nil), v.values...)
		b.entries[k] = v
	}
	return b
}

// Names returns property names in sorted order
func (p ValueProperties) Names() []string {
	names := make([]string, 0, len(p.entries))
	for k := range p.entries {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of properties
func (p ValueProperties) Len() int {
	return len(p.entries)
}

// IsEmpty reports whether no properties are defined
func (p ValueProperties) IsEmpty() bool {
	return len(p.entries) == 0
}

// Defines reports whether the property is present (not absent-marked)
func (p ValueProperties) Defines(name string) bool {
	c, ok := p.entries[name]
	return ok && !c.absent
}

// IsWildcard reports whether the property accepts any value
func (p ValueProperties) IsWildcard(name string) bool {
	c, ok := p.entries[name]
	return ok && c.wildcard
}

// IsAbsent reports whether the property must be absent
func (p ValueProperties) IsAbsent(name string) bool {
	c, ok := p.entries[name]
	return ok && c.absent
}

// Values returns the concrete values of a property; nil for wildcard or undefined
func (p ValueProperties) Values(name string) []string {
	c, ok := p.entries[name]
	if !ok || c.wildcard || c.absent {
		return nil
	}
	return append([]string(nil), c.values...)
}

// Value returns the single concrete value of a property, or ""
func (p ValueProperties) Value(name string) string {
	c, ok := p.entries[name]
	if !ok || c.wildcard || c.absent || len(c.values) == 0 {
		return ""
	}
	return c.values[0]
}

// IsSatisfiedBy reports whether concrete properties meet every constraint.
// A wildcard in the candidate does not satisfy a specific value constraint.
func (p ValueProperties) IsSatisfiedBy(candidate ValueProperties) bool {
	return p.satisfied(candidate, false)
}

// IsSatisfiableBy reports whether declared properties could meet every constraint
// once composed; a wildcard in the candidate can be narrowed.
func (p ValueProperties) IsSatisfiableBy(candidate ValueProperties) bool {
	return p.satisfied(candidate, true)
}

func (p ValueProperties) satisfied(candidate ValueProperties, composable bool) bool {
	for name, want := range p.entries {
		have, ok := candidate.entries[name]
		defined := ok && !have.absent
		switch {
		case want.absent:
			if defined {
				return false
			}
		case want.wildcard:
			if !defined {
				return false
			}
		default:
			if !defined {
				return false
			}
			if have.wildcard {
				if !composable {
					return false
				}
				continue
			}
			if composable {
				if len(intersect(want.values, have.values)) == 0 {
					return false
				}
			} else if !subset(have.values, want.values) {
				return false
			}
		}
	}
	return true
}

// Compose narrows declared properties by a requirement's constraints.
// It returns false when a property cannot be satisfied simultaneously.
func (p ValueProperties) Compose(constraints ValueProperties) (ValueProperties, bool) {
	b := p.Copy()
	for name, want := range constraints.entries {
		have, ok := p.entries[name]
		if !ok || have.absent {
			if want.absent || !ok {
				continue
			}
			return ValueProperties{}, false
		}
		if want.absent {
			return ValueProperties{}, false
		}
		if want.wildcard {
			continue
		}
		if have.wildcard {
			b.entries[name] = constraint{values: append([]string(nil), want.values...)}
			continue
		}
		common := intersect(have.values, want.values)
		if len(common) == 0 {
			return ValueProperties{}, false
		}
		b.entries[name] = constraint{values: common}
	}
	return b.Build(), true
}

// Union merges two sets; a wildcard on either side wins
func (p ValueProperties) Union(other ValueProperties) ValueProperties {
	b := p.Copy()
	for name, c := range other.entries {
		have, ok := b.entries[name]
		switch {
		case !ok:
			b.entries[name] = c
		case have.absent && c.absent:
		case have.absent:
			b.entries[name] = c
		case c.absent:
		case have.wildcard || c.wildcard:
			b.entries[name] = constraint{wildcard: true}
		default:
			b.entries[name] = constraint{values: mergeSorted(have.values, c.values)}
		}
	}
	return b.Build()
}

// Intersect keeps properties defined by both sets with their common values.
// The second result is false when a shared property has no common value.
func (p ValueProperties) Intersect(other ValueProperties) (ValueProperties, bool) {
	b := NewBuilder()
	for name, a := range p.entries {
		c, ok := other.entries[name]
		if !ok {
			continue
		}
		switch {
		case a.absent && c.absent:
			b.entries[name] = a
		case a.absent || c.absent:
			return ValueProperties{}, false
		case a.wildcard:
			b.entries[name] = c
		case c.wildcard:
			b.entries[name] = a
		default:
			common := intersect(a.values, c.values)
			if len(common) == 0 {
				return ValueProperties{}, false
			}
			b.entries[name] = constraint{values: common}
		}
	}
	return b.Build(), true
}

// WithDefaults adds defaults for properties not already constrained
func (p ValueProperties) WithDefaults(defaults ValueProperties) ValueProperties {
	if defaults.IsEmpty() {
		return p
	}
	b := p.Copy()
	for name, c := range defaults.entries {
		if _, ok := b.entries[name]; !ok {
			b.entries[name] = c
		}
	}
	return b.Build()
}

// Equal compares canonical forms
func (p ValueProperties) Equal(other ValueProperties) bool {
	return p.String() == other.String()
}

// ToMap exports the set; wildcard is ["*"], absent is nil
func (p ValueProperties) ToMap() map[string][]string {
	out := make(map[string][]string, len(p.entries))
	for name, c := range p.entries {
		switch {
		case c.absent:
			out[name] = nil
		case c.wildcard:
			out[name] = []string{Wildcard}
		default:
			out[name] = append([]string(nil), c.values...)
		}
	}
	return out
}

// FromMap is the inverse of ToMap
func FromMap(m map[string][]string) ValueProperties {
	b := NewBuilder()
	for name, values := range m {
		if values == nil {
			b.WithAbsent(name)
			continue
		}
		b.With(name, values...)
	}
	return b.Build()
}

// String renders the canonical form, used as a hash key
func (p ValueProperties) String() string {
	if p.key != "" || len(p.entries) == 0 {
		return p.key
	}
	return p.render()
}

func (p ValueProperties) render() string {
	if len(p.entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range p.Names() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(p.entries[name].render())
	}
	sb.WriteByte('}')
	return sb.String()
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string(nil), a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func subset(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	for _, v := range a {
		if !set[v] {
			return false
		}
	}
	return len(a) > 0
}
