package graph

import (
	"fmt"
)

// CycleError indicates a dependency cycle among the remaining nodes
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among %d nodes (first %s)", len(e.Nodes), e.Nodes[0])
}

// Unwrap lets callers match cycles as recursive requirements
func (e *CycleError) Unwrap() error {
	return ErrRecursiveRequirement
}

// TopologicalOrder groups nodes into execution waves. Nodes in one wave have no
// edges between them; every input of a wave is produced by an earlier wave.
// Within a wave nodes keep insertion order.
func (g *DependencyGraph) TopologicalOrder() ([][]*Node, error) {
	g.wavesMu.Lock()
	defer g.wavesMu.Unlock()
	if g.wavesValid {
		return g.waves, nil
	}

	index := make(map[string]int, len(g.order))
	pending := make(map[string]int, len(g.order))
	for i, id := range g.order {
		index[id] = i
		pending[id] = len(g.Dependencies(id))
	}

	var waves [][]*Node
	var current []string
	for _, id := range g.order {
		if pending[id] == 0 {
			current = append(current, id)
		}
	}

	placed := 0
	for len(current) > 0 {
		wave := make([]*Node, len(current))
		for i, id := range current {
			wave[i] = g.nodes[id]
		}
		waves = append(waves, wave)
		placed += len(current)

		ready := make(map[string]bool)
		for _, id := range current {
			for _, dep := range g.Dependents(id) {
				pending[dep]--
				if pending[dep] == 0 {
					ready[dep] = true
				}
			}
		}
		next := make([]string, 0, len(ready))
		for _, id := range g.order {
			if ready[id] {
				next = append(next, id)
			}
		}
		current = next
	}

	if placed != len(g.order) {
		var stuck []string
		for _, id := range g.order {
			if pending[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{Nodes: stuck}
	}

	g.waves = waves
	g.wavesValid = true
	return waves, nil
}

// Prune decides which nodes must execute in a delta cycle. A node is skipped
// when reusable reports its previous outputs are still valid and none of the
// nodes it depends on executes. The returned set holds the node IDs to run.
func (g *DependencyGraph) Prune(reusable func(*Node) bool) (map[string]bool, error) {
	waves, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	execute := make(map[string]bool)
	for _, wave := range waves {
		for _, n := range wave {
			run := !reusable(n)
			if !run {
				for _, dep := range g.Dependencies(n.ID) {
					if execute[dep] {
						run = true
						break
					}
				}
			}
			if run {
				execute[n.ID] = true
			}
		}
	}
	return execute, nil
}
