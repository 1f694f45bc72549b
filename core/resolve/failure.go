package resolve

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"riskengine/core/value"
	"riskengine/internal/metrics"
)

// Reason classifies why a requirement could not be satisfied
type Reason string

const (
	// ReasonNoFunctions means no registered function applies to the target
	ReasonNoFunctions Reason = "NO_FUNCTIONS"

	// ReasonCouldNotSatisfy means every candidate failed or none could meet the constraints
	ReasonCouldNotSatisfy Reason = "COULD_NOT_SATISFY"

	// ReasonUnsatisfiedDependency means a candidate's input could not be resolved
	ReasonUnsatisfiedDependency Reason = "UNSATISFIED_DEPENDENCY"

	// ReasonMarketDataMissing means the market data collaborator has no such value
	ReasonMarketDataMissing Reason = "MARKET_DATA_MISSING"

	// ReasonRecursiveRequirement means the requirement is its own ancestor
	ReasonRecursiveRequirement Reason = "RECURSIVE_REQUIREMENT"

	// ReasonUnknownTarget means the requirement's target could not be materialised
	ReasonUnknownTarget Reason = "UNKNOWN_TARGET"
)

// Failure is one node of a resolution failure tree
type Failure struct {
	Requirement value.ValueRequirement `json:"-"`
	Reason      Reason                 `json:"reason"`

	// Function is the candidate that failed, empty at requirement level
	Function string `json:"function,omitempty"`

	Message  string     `json:"message,omitempty"`
	Children []*Failure `json:"children,omitempty"`
}

// Find returns the first failure in the tree with the given reason, depth first
func (f *Failure) Find(reason Reason) *Failure {
	if f == nil {
		return nil
	}
	if f.Reason == reason {
		return f
	}
	for _, c := range f.Children {
		if found := c.Find(reason); found != nil {
			return found
		}
	}
	return nil
}

// Contains reports whether any node in the tree has the given reason
func (f *Failure) Contains(reason Reason) bool {
	return f.Find(reason) != nil
}

// Leaves returns the failures with no children
func (f *Failure) Leaves() []*Failure {
	if len(f.Children) == 0 {
		return []*Failure{f}
	}
	var out []*Failure
	for _, c := range f.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Requirement, f.Reason, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Requirement, f.Reason)
}

// Render formats the tree as indented text
func (f *Failure) Render() string {
	var sb strings.Builder
	f.render(&sb, 0)
	return sb.String()
}

func (f *Failure) render(sb *strings.Builder, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(f.Requirement.String())
	sb.WriteString(" ")
	sb.WriteString(string(f.Reason))
	if f.Function != "" {
		sb.WriteString(" [")
		sb.WriteString(f.Function)
		sb.WriteString("]")
	}
	if f.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(f.Message)
	}
	sb.WriteString("\n")
	for _, c := range f.Children {
		c.render(sb, depth+1)
	}
}

// Tree is the JSON-friendly form of a failure tree
type Tree struct {
	Requirement string  `json:"requirement"`
	Reason      Reason  `json:"reason"`
	Function    string  `json:"function,omitempty"`
	Message     string  `json:"message,omitempty"`
	Children    []*Tree `json:"children,omitempty"`
}

// Tree converts the failure to its serialisable form
func (f *Failure) Tree() *Tree {
	t := &Tree{
		Requirement: f.Requirement.String(),
		Reason:      f.Reason,
		Function:    f.Function,
		Message:     f.Message,
	}
	for _, c := range f.Children {
		t.Children = append(t.Children, c.Tree())
	}
	return t
}

// Tracker aggregates every failure recorded while building a graph together
// with exception occurrence counts. Failures are never discarded, even when
// a later candidate for the same requirement succeeds.
type Tracker struct {
	mu         sync.Mutex
	byReq      map[string][]*Failure
	order      []string
	unresolved []*Failure
	exceptions map[string]int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		byReq:      make(map[string][]*Failure),
		exceptions: make(map[string]int),
	}
}

// Record stores a failure under its requirement
func (t *Tracker) Record(f *Failure) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := f.Requirement.Key()
	if _, ok := t.byReq[key]; !ok {
		t.order = append(t.order, key)
	}
	t.byReq[key] = append(t.byReq[key], f)
}

// RecordUnresolved marks a requested requirement as unresolved
func (t *Tracker) RecordUnresolved(f *Failure) {
	t.mu.Lock()
	t.unresolved = append(t.unresolved, f)
	t.mu.Unlock()
	metrics.ResolutionFailures.WithLabelValues(string(f.Reason)).Inc()
}

// RecordException counts an error raised by a function callback
func (t *Tracker) RecordException(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exceptions[err.Error()]++
}

// For returns every failure recorded for a requirement
func (t *Tracker) For(req value.ValueRequirement) []*Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Failure(nil), t.byReq[req.Key()]...)
}

// All returns every recorded failure in first-seen requirement order
func (t *Tracker) All() []*Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Failure
	for _, k := range t.order {
		out = append(out, t.byReq[k]...)
	}
	return out
}

// Unresolved returns the failure trees of requested requirements that did not resolve
func (t *Tracker) Unresolved() []*Failure {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Failure(nil), t.unresolved...)
}

// Exceptions returns a copy of the exception occurrence counts
func (t *Tracker) Exceptions() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.exceptions))
	for k, v := range t.exceptions {
		out[k] = v
	}
	return out
}

// ExceptionCount pairs an exception message with its occurrences
type ExceptionCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// TopExceptions returns exceptions ordered by count descending, then message
func (t *Tracker) TopExceptions() []ExceptionCount {
	counts := t.Exceptions()
	out := make([]ExceptionCount, 0, len(counts))
	for m, c := range counts {
		out = append(out, ExceptionCount{Message: m, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	return out
}
