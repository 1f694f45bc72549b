// Package cache - Per-cycle computation cache
// One Cache holds the values computed for one configuration in one cycle.
// The scheduler is the only writer; dispatched jobs read inputs from it.
package cache

import (
	"fmt"
	"sync"

	"riskengine/core/value"
	"riskengine/internal/errors"
)

// ErrMiss is returned when a value is read before it was computed
var ErrMiss = errors.New(errors.TypeInvariant, "computation cache miss")

// Entry is a computed value or the error that prevented it
type Entry struct {
	Value any
	Err   error
}

// Cache maps specifications to computed values for one configuration and cycle
type Cache struct {
	mu            sync.RWMutex
	configuration string
	cycle         string
	entries       map[string]Entry
}

// New creates an empty cache
func New(configuration, cycle string) *Cache {
	return &Cache{
		configuration: configuration,
		cycle:         cycle,
		entries:       make(map[string]Entry),
	}
}

// Configuration returns the configuration the cache is scoped to
func (c *Cache) Configuration() string { return c.configuration }

// Cycle returns the cycle the cache is scoped to
func (c *Cache) Cycle() string { return c.cycle }

// Get returns the entry for spec
func (c *Cache) Get(spec value.ValueSpecification) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[spec.Key()]
	return e, ok
}

// Value returns the value for spec, its recorded error, or ErrMiss
func (c *Cache) Value(spec value.ValueSpecification) (any, error) {
	e, ok := c.Get(spec)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s/%s", ErrMiss, spec, c.configuration, c.cycle)
	}
	return e.Value, e.Err
}

// Put stores a computed value
func (c *Cache) Put(spec value.ValueSpecification, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[spec.Key()] = Entry{Value: v}
}

// PutError marks spec as failed
func (c *Cache) PutError(spec value.ValueSpecification, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[spec.Key()] = Entry{Err: err}
}

// Clear removes every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Len returns the number of entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CopyFrom copies the entries for specs out of another cache
func (c *Cache) CopyFrom(other *Cache, specs []value.ValueSpecification) {
	for _, spec := range specs {
		if e, ok := other.Get(spec); ok {
			c.mu.Lock()
			c.entries[spec.Key()] = e
			c.mu.Unlock()
		}
	}
}

// Manager rotates caches across cycles, keeping the last committed cycle as
// the previous cache for delta computation
type Manager struct {
	mu       sync.Mutex
	current  map[string]*Cache
	previous map[string]*Cache
}

// NewManager creates a manager with no cycles
func NewManager() *Manager {
	return &Manager{}
}

// Begin starts a cycle with fresh caches for each configuration
func (m *Manager) Begin(cycle string, configurations []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = make(map[string]*Cache, len(configurations))
	for _, name := range configurations {
		m.current[name] = New(name, cycle)
	}
}

// Current returns the in-progress cycle's cache for a configuration
func (m *Manager) Current(configuration string) (*Cache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.current[configuration]
	return c, ok
}

// Previous returns the last committed cycle's cache for a configuration
func (m *Manager) Previous(configuration string) (*Cache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.previous[configuration]
	return c, ok
}

// Commit makes the current caches the previous ones. Older caches are cleared.
func (m *Manager) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.previous {
		c.Clear()
	}
	m.previous = m.current
	m.current = nil
}

// Discard drops the current caches; the previous cycle is kept
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.current {
		c.Clear()
	}
	m.current = nil
}

// Reset drops every cache, forcing the next cycle to be full
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.current {
		c.Clear()
	}
	for _, c := range m.previous {
		c.Clear()
	}
	m.current = nil
	m.previous = nil
}
