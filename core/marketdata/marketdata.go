// Package marketdata - Market data collaborator contracts and in-memory providers
// Values are keyed by value name and target; requirement properties do not
// participate in market data lookup.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskengine/core/value"
)

// Availability answers whether market data exists for a requirement
type Availability interface {
	IsAvailable(req value.ValueRequirement) bool
}

// Snapshot is an immutable view of market data for one cycle
type Snapshot interface {
	ID() string
	Time() time.Time
	Get(spec value.ValueSpecification) (any, bool)
}

// Provider supplies snapshots and change notifications
type Provider interface {
	Availability

	// Snapshot captures the current market data
	Snapshot(ctx context.Context) (Snapshot, error)

	// Subscribe registers interest in specs; updates to them raise a tick
	Subscribe(specs ...value.ValueSpecification)
	Unsubscribe(specs ...value.ValueSpecification)

	// Ticks signals subscribed updates. Pending ticks coalesce.
	Ticks() <-chan struct{}
}

// Key identifies a market data item
func Key(name string, target value.TargetRef) string {
	return name + "|" + target.String()
}

// SpecKey identifies the market data item a specification refers to
func SpecKey(spec value.ValueSpecification) string {
	return Key(spec.Name, spec.Target)
}

// MapSnapshot is a frozen copy of market data values
type MapSnapshot struct {
	id     string
	at     time.Time
	values map[string]any
}

// NewSnapshot creates a snapshot over a copy of values keyed by Key
func NewSnapshot(at time.Time, values map[string]any) *MapSnapshot {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &MapSnapshot{id: uuid.NewString(), at: at, values: copied}
}

// ID returns the snapshot identifier
func (s *MapSnapshot) ID() string { return s.id }

// Time returns the snapshot valuation time
func (s *MapSnapshot) Time() time.Time { return s.at }

// Get returns the value for spec, ignoring its properties
func (s *MapSnapshot) Get(spec value.ValueSpecification) (any, bool) {
	v, ok := s.values[SpecKey(spec)]
	return v, ok
}

// Keys returns the snapshot keys in sorted order
func (s *MapSnapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Changed returns the specs whose value differs between prev and cur
func Changed(prev, cur Snapshot, specs []value.ValueSpecification) []value.ValueSpecification {
	var out []value.ValueSpecification
	for _, spec := range specs {
		a, okA := prev.Get(spec)
		b, okB := cur.Get(spec)
		if okA != okB || !value.Equal(a, b) {
			out = append(out, spec)
		}
	}
	return out
}

// Store is an in-memory provider. Used as a static source it is loaded once;
// used live, Update raises ticks for subscribed items.
type Store struct {
	mu         sync.RWMutex
	values     map[string]any
	subscribed map[string]int
	ticks      chan struct{}
	now        func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		values:     make(map[string]any),
		subscribed: make(map[string]int),
		ticks:      make(chan struct{}, 1),
		now:        time.Now,
	}
}

// WithClock overrides the snapshot clock
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Set stores a value without raising a tick
func (s *Store) Set(name string, target value.TargetRef, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[Key(name, target)] = v
}

// Update stores a value and raises a tick when the item is subscribed and changed
func (s *Store) Update(name string, target value.TargetRef, v any) {
	key := Key(name, target)
	s.mu.Lock()
	old, existed := s.values[key]
	s.values[key] = v
	notify := s.subscribed[key] > 0 && (!existed || !value.Equal(old, v))
	s.mu.Unlock()

	if notify {
		s.tick()
	}
}

// Remove deletes a value, raising a tick when subscribed
func (s *Store) Remove(name string, target value.TargetRef) {
	key := Key(name, target)
	s.mu.Lock()
	_, existed := s.values[key]
	delete(s.values, key)
	notify := existed && s.subscribed[key] > 0
	s.mu.Unlock()

	if notify {
		s.tick()
	}
}

// Replace swaps the whole data set, raising a tick when anything subscribed changed
func (s *Store) Replace(values map[string]any) {
	s.mu.Lock()
	notify := false
	for key := range s.subscribed {
		old, okOld := s.values[key]
		v, okNew := values[key]
		if okOld != okNew || !value.Equal(old, v) {
			notify = true
			break
		}
	}
	s.values = make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
	}
	s.mu.Unlock()

	if notify {
		s.tick()
	}
}

func (s *Store) tick() {
	select {
	case s.ticks <- struct{}{}:
	default:
	}
}

// IsAvailable reports whether a value exists for the requirement's name and target
func (s *Store) IsAvailable(req value.ValueRequirement) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[Key(req.Name, req.Target)]
	return ok
}

// Snapshot captures the current values
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NewSnapshot(s.now(), s.values), nil
}

// Subscribe registers interest in specs
func (s *Store) Subscribe(specs ...value.ValueSpecification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range specs {
		s.subscribed[SpecKey(spec)]++
	}
}

// Unsubscribe removes interest in specs
func (s *Store) Unsubscribe(specs ...value.ValueSpecification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range specs {
		key := SpecKey(spec)
		if s.subscribed[key] <= 1 {
			delete(s.subscribed, key)
			continue
		}
		s.subscribed[key]--
	}
}

// Subscriptions returns the number of subscribed items
func (s *Store) Subscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribed)
}

// Ticks signals subscribed updates
func (s *Store) Ticks() <-chan struct{} {
	return s.ticks
}
