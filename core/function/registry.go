// Package function - Function registry with validation
// Enforces descriptor validation at registration time.
package function

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"riskengine/core/value"
)

// Registry holds all registered function descriptors
type Registry struct {
	mu      sync.RWMutex
	defs    []*Definition
	byID    map[string]*Definition
	version uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Definition),
	}
}

// Register adds a function, returning an error on invalid or duplicate descriptors
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("nil function definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ID]; exists {
		return fmt.Errorf("function already registered: %s", def.ID)
	}
	r.defs = append(r.defs, def)
	r.byID[def.ID] = def
	r.version++
	return nil
}

// MustRegister adds a function and panics on failure (fail fast)
func (r *Registry) MustRegister(defs ...*Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err.Error())
		}
	}
}

// Unregister removes a function
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	kept := r.defs[:0]
	for _, d := range r.defs {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	r.defs = kept
	r.version++
	return true
}

// Get returns a function by ID
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Version changes whenever the registry is mutated
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// All returns every function in registration order
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Candidates returns the resolvable functions applicable to target at time at,
// most specific target type first, then priority, then registration order
func (r *Registry) Candidates(target value.ComputationTarget, at time.Time) []*Definition {
	r.mu.RLock()
	var out []*Definition
	for _, d := range r.defs {
		if d.Kind == KindScenario {
			continue
		}
		if d.ValidAt(at) && d.AppliesTo(target) {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()

	// out is already in registration order, so a stable sort keeps it as the tie-break
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].TargetType.Specificity(), out[j].TargetType.Specificity()
		if si != sj {
			return si > sj
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// ScenarioFunction returns the first scenario function wrapping a decoration type
func (r *Registry) ScenarioFunction(wrapped string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.defs {
		if d.Kind == KindScenario && d.Wraps == wrapped {
			return d, true
		}
	}
	return nil, false
}

// ValidUntil returns the first validity boundary after at, or the zero time
// when no registered function changes availability in the future
func (r *Registry) ValidUntil(at time.Time) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var next time.Time
	consider := func(t time.Time) {
		if t.IsZero() || !t.After(at) {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, d := range r.defs {
		consider(d.ValidFrom)
		consider(d.ValidTo)
	}
	return next
}

// Stats returns registry statistics
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		ByKind:       make(map[Kind]int),
		ByTargetType: make(map[value.TargetType]int),
	}
	for _, d := range r.defs {
		stats.Total++
		stats.ByKind[d.Kind]++
		stats.ByTargetType[d.TargetType]++
	}
	return stats
}

// RegistryStats holds registry statistics
type RegistryStats struct {
	Total        int
	ByKind       map[Kind]int
	ByTargetType map[value.TargetType]int
}
