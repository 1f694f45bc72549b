package cycle

import (
	"sort"
	"sync"

	"riskengine/internal/errors"
)

// ProcessRegistry tracks the view processes owned by a server
type ProcessRegistry struct {
	mu        sync.RWMutex
	processes map[string]*ViewProcess
}

// NewProcessRegistry creates an empty registry
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{processes: make(map[string]*ViewProcess)}
}

// Register adds a process
func (r *ProcessRegistry) Register(p *ViewProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[p.ID()] = p
}

// Get returns a process by ID
func (r *ProcessRegistry) Get(id string) (*ViewProcess, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[id]
	if !ok {
		return nil, errors.NotFound("view process", id)
	}
	return p, nil
}

// List returns every process ordered by view name then ID
func (r *ProcessRegistry) List() []*ViewProcess {
	r.mu.RLock()
	out := make([]*ViewProcess, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].View().Name != out[j].View().Name {
			return out[i].View().Name < out[j].View().Name
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Stop stops and removes a process
func (r *ProcessRegistry) Stop(id string) error {
	r.mu.Lock()
	p, ok := r.processes[id]
	delete(r.processes, id)
	r.mu.Unlock()
	if !ok {
		return errors.NotFound("view process", id)
	}
	p.Stop()
	return nil
}

// StopAll stops and removes every process
func (r *ProcessRegistry) StopAll() {
	r.mu.Lock()
	processes := r.processes
	r.processes = make(map[string]*ViewProcess)
	r.mu.Unlock()
	for _, p := range processes {
		p.Stop()
	}
}
